// Package statusapi exposes the agent's status/control HTTP surface: a
// read-only status snapshot, start/stop control, runtime class-filter
// overrides, and a websocket live event stream (spec §4.10).
package statusapi

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edge-agent/agent/internal/health"
	"github.com/edge-agent/agent/internal/logging"
)

var log = logging.L("statusapi")

// ManagerState is the lifecycle state of the capture/publish pipeline as a
// whole, as reported by the status endpoint.
type ManagerState string

const (
	ManagerIdle     ManagerState = "idle"
	ManagerStarting ManagerState = "starting"
	ManagerRunning  ManagerState = "running"
	ManagerStopping ManagerState = "stopping"
)

// componentStaleAfter flags a component's health check as stale if that
// component has not called Update within this long, e.g. a supervised child hung without
// exiting and so never reported anything past its last Healthy update.
const componentStaleAfter = 30 * time.Second

// StreamStatus describes one of the two publisher outputs (live, record).
type StreamStatus struct {
	Running        bool       `json:"running"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	LastStoppedAt  *time.Time `json:"lastStoppedAt,omitempty"`
}

// DetectionStats summarizes detection traffic since boot.
type DetectionStats struct {
	Total             uint64     `json:"total"`
	LastDetectionTs   *time.Time `json:"lastDetectionTs,omitempty"`
}

// SessionStats reports the currently/most-recently active session.
type SessionStats struct {
	Active           bool   `json:"active"`
	CurrentSessionID string `json:"currentSessionId,omitempty"`
	LastSessionID    string `json:"lastSessionId,omitempty"`
}

// Snapshot is the full `GET /status` JSON body.
type Snapshot struct {
	Manager struct {
		State       ManagerState `json:"state"`
		LastStartTs *time.Time   `json:"lastStartTs,omitempty"`
		LastStopTs  *time.Time   `json:"lastStopTs,omitempty"`
		Overrides   []string     `json:"overrides,omitempty"`
	} `json:"manager"`
	Agent struct {
		StartedAt    time.Time      `json:"startedAt"`
		UptimeMs     int64          `json:"uptimeMs"`
		HeartbeatTs  time.Time      `json:"heartbeatTs"`
		Detections   DetectionStats `json:"detections"`
		Session      SessionStats   `json:"session"`
		Streams      struct {
			Live   StreamStatus `json:"live"`
			Record StreamStatus `json:"record"`
		} `json:"streams"`
	} `json:"agent"`
	Health map[string]any `json:"health"`
}

// Store is the single reader-writer status structure (spec §5): components
// update it via method calls from their own event-consuming task, and HTTP
// handlers take atomic copies for reads.
type Store struct {
	mu        sync.RWMutex
	startedAt time.Time

	managerState ManagerState
	lastStartTs  *time.Time
	lastStopTs   *time.Time
	overrides    []string

	heartbeatTs time.Time

	detectionTotal   atomic.Uint64
	lastDetectionTs  atomic.Pointer[time.Time]

	sessionActive    bool
	currentSessionID string
	lastSessionID    string

	live   StreamStatus
	record StreamStatus

	health *health.Monitor
}

// NewStore creates a Store with ManagerIdle state, timestamped now.
func NewStore() *Store {
	now := time.Now().UTC()
	return &Store{
		startedAt:    now,
		managerState: ManagerIdle,
		heartbeatTs:  now,
		health:       health.NewMonitor(),
	}
}

// HealthMonitor returns the store's component health monitor, for
// components to register status callbacks against (e.g. camerahub.Config.OnHealth).
func (s *Store) HealthMonitor() *health.Monitor {
	return s.health
}

// SetManagerState records a manager lifecycle transition.
func (s *Store) SetManagerState(state ManagerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managerState = state
	now := time.Now().UTC()
	switch state {
	case ManagerRunning:
		s.lastStartTs = &now
	case ManagerIdle:
		s.lastStopTs = &now
	}
}

// Heartbeat records a liveness tick.
func (s *Store) Heartbeat() {
	s.mu.Lock()
	s.heartbeatTs = time.Now().UTC()
	s.mu.Unlock()
}

// RecordDetection increments the detection counter and stamps the last
// detection time.
func (s *Store) RecordDetection() {
	s.detectionTotal.Add(1)
	now := time.Now().UTC()
	s.lastDetectionTs.Store(&now)
}

// SetSession records a session open/close transition.
func (s *Store) SetSession(active bool, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionActive = active
	if active {
		s.currentSessionID = sessionID
	} else {
		s.lastSessionID = s.currentSessionID
		s.currentSessionID = ""
	}
}

// SetStream records a live/record stream transition.
func (s *Store) SetStream(live bool, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	target := &s.record
	if live {
		target = &s.live
	}
	target.Running = running
	if running {
		target.StartedAt = &now
	} else {
		target.LastStoppedAt = &now
	}
}

// SetOverrides records the currently active config overrides (e.g. a
// runtime class-filter change) for display in the status snapshot.
func (s *Store) SetOverrides(overrides []string) {
	s.mu.Lock()
	s.overrides = overrides
	s.mu.Unlock()
}

// Snapshot returns an atomic, JSON-serializable copy of the current status.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Snapshot
	snap.Manager.State = s.managerState
	snap.Manager.LastStartTs = s.lastStartTs
	snap.Manager.LastStopTs = s.lastStopTs
	snap.Manager.Overrides = s.overrides

	snap.Agent.StartedAt = s.startedAt
	snap.Agent.UptimeMs = time.Since(s.startedAt).Milliseconds()
	snap.Agent.HeartbeatTs = s.heartbeatTs
	snap.Agent.Detections.Total = s.detectionTotal.Load()
	snap.Agent.Detections.LastDetectionTs = s.lastDetectionTs.Load()
	snap.Agent.Session.Active = s.sessionActive
	snap.Agent.Session.CurrentSessionID = s.currentSessionID
	snap.Agent.Session.LastSessionID = s.lastSessionID
	snap.Agent.Streams.Live = s.live
	snap.Agent.Streams.Record = s.record
	snap.Health = s.health.Summary()
	if stale := s.health.StaleComponents(componentStaleAfter); len(stale) > 0 {
		snap.Health["stale"] = stale
	}

	return snap
}
