package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"

	"github.com/edge-agent/agent/internal/sessionledger"
)

const (
	defaultStartTimeoutMs = 7000
	defaultRecentSessions = 20
	maxRecentSessions     = 200
)

// Controller is implemented by the composition root to start/stop the
// capture/publish pipeline on behalf of the control endpoints.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ClassFilter is implemented by the AI Engine filter for the runtime
// class-override endpoints.
type ClassFilter interface {
	Classes() []string
	SetClasses(classes []string)
}

// RecentSessionsLister is implemented by the session ledger for
// GET /sessions/recent. Optional: a Server with a nil lister serves a
// 503 from that endpoint rather than failing to start.
type RecentSessionsLister interface {
	Recent(ctx context.Context, limit int) ([]sessionledger.Entry, error)
}

// WaitPredicate names a readiness condition for POST /control/start's
// optional wait parameter.
type WaitPredicate string

const (
	WaitChild      WaitPredicate = "child"
	WaitHeartbeat  WaitPredicate = "heartbeat"
	WaitDetection  WaitPredicate = "detection"
	WaitSession    WaitPredicate = "session"
)

// Server is the HTTP status/control surface.
type Server struct {
	store      *Store
	controller Controller
	filter     ClassFilter
	catalog    []string
	ledger     RecentSessionsLister

	controlMu sync.Mutex // serializes /control/* calls

	upgrader websocket.Upgrader

	eventsMu sync.Mutex
	eventSubs map[chan []byte]struct{}
}

// New creates a Server. catalog lists every class name the model
// recognizes, for GET /config/classes/catalog. ledger may be nil, in
// which case GET /sessions/recent reports itself unavailable.
func New(store *Store, controller Controller, filter ClassFilter, catalog []string, ledger RecentSessionsLister) *Server {
	return &Server{
		store:      store,
		controller: controller,
		filter:     filter,
		catalog:    catalog,
		ledger:     ledger,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		eventSubs:  make(map[chan []byte]struct{}),
	}
}

// Router builds the chi router for this server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/status", s.handleStatus)
	r.Get("/status/ws", s.handleStatusWS)
	r.Get("/config/classes", s.handleGetClasses)
	r.Put("/config/classes", s.handlePutClasses)
	r.Get("/config/classes/catalog", s.handleCatalog)
	r.Get("/sessions/recent", s.handleRecentSessions)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(5, time.Minute))
		r.Post("/control/start", s.handleStart)
		r.Post("/control/stop", s.handleStop)
	})

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleGetClasses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"classes": s.filter.Classes()})
}

func (s *Server) handlePutClasses(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Classes []string `json:"classes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.filter.SetClasses(body.Classes)
	s.store.SetOverrides(body.Classes)
	s.publish(map[string]any{"type": "classes.updated", "classes": body.Classes})
	writeJSON(w, http.StatusOK, map[string]any{"classes": s.filter.Classes()})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"classes": s.catalog})
}

func (s *Server) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "session ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := defaultRecentSessions
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxRecentSessions {
		limit = maxRecentSessions
	}

	entries, err := s.ledger.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": entries})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	wait := WaitPredicate(r.URL.Query().Get("wait"))
	timeoutMs := defaultStartTimeoutMs
	if v := r.URL.Query().Get("timeoutMs"); v != "" {
		if parsed, err := time.ParseDuration(v + "ms"); err == nil {
			timeoutMs = int(parsed.Milliseconds())
		}
	}

	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	s.store.SetManagerState(ManagerStarting)
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	err := s.controller.Start(ctx)
	if err != nil {
		s.store.SetManagerState(ManagerIdle)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.store.SetManagerState(ManagerRunning)

	satisfied := s.awaitPredicate(ctx, wait)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        s.store.Snapshot(),
		"waitSatisfied": satisfied,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	s.store.SetManagerState(ManagerStopping)
	if err := s.controller.Stop(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.store.SetManagerState(ManagerIdle)
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

// awaitPredicate blocks until wait is satisfied or ctx expires. Exceeding
// the timeout returns the current snapshot with waitSatisfied=false; it
// never cancels the start itself (spec §5).
func (s *Server) awaitPredicate(ctx context.Context, wait WaitPredicate) bool {
	if wait == "" {
		return true
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.predicateHolds(wait) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (s *Server) predicateHolds(wait WaitPredicate) bool {
	snap := s.store.Snapshot()
	switch wait {
	case WaitChild:
		return snap.Agent.Streams.Live.Running || snap.Agent.Streams.Record.Running
	case WaitHeartbeat:
		return time.Since(snap.Agent.HeartbeatTs) < time.Second
	case WaitDetection:
		return snap.Agent.Detections.Total > 0
	case WaitSession:
		return snap.Agent.Session.Active
	default:
		return true
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
