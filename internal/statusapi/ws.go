package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsEventBuffer = 16

// handleStatusWS upgrades to a websocket and streams status snapshots plus
// published events. The stream is read-only: it never accepts control
// messages from the client (spec §1 non-goal: no control plane beyond the
// HTTP surface).
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("status websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := make(chan []byte, wsEventBuffer)
	s.eventsMu.Lock()
	s.eventSubs[events] = struct{}{}
	s.eventsMu.Unlock()
	defer func() {
		s.eventsMu.Lock()
		delete(s.eventSubs, events)
		s.eventsMu.Unlock()
		close(events)
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case payload := <-events:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			snap := s.store.Snapshot()
			payload, err := json.Marshal(map[string]any{"type": "status", "snapshot": snap})
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// publish broadcasts event to every connected websocket client,
// drop-oldest on a full subscriber buffer.
func (s *Server) publish(event map[string]any) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	for ch := range s.eventSubs {
		select {
		case ch <- payload:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- payload:
			default:
			}
		}
	}
}
