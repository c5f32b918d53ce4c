// Package archive generalizes the agent's backup-manager pattern into a
// Session Archiver: on session close it stores a representative JPEG
// keyframe plus detection metadata with a pluggable cloud storage
// provider. This never persists raw video, only the single representative
// frame per session already produced for session-store ingestion.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edge-agent/agent/internal/logging"
	"github.com/edge-agent/agent/internal/workerpool"
	"github.com/edge-agent/agent/pkg/model"
)

var log = logging.L("archive")

// Provider uploads one named artifact's bytes to durable storage.
type Provider interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Name() string
}

// Manifest is the JSON metadata artifact stored alongside the keyframe.
type Manifest struct {
	SessionID   string    `json:"sessionId"`
	DeviceID    string    `json:"deviceId"`
	StreamPath  string    `json:"streamPath"`
	StartTs     time.Time `json:"startTs"`
	EndTs       time.Time `json:"endTs"`
	Classes     []string  `json:"classes"`
	PostRollSec int       `json:"postRollSec,omitempty"`
}

// Archiver uploads session manifests and keyframes through a Provider
// using a bounded worker pool so a slow upload never blocks the FSM.
type Archiver struct {
	provider Provider
	pool     *workerpool.Pool
}

// New creates an Archiver. pool is shared with other background upload
// work in the agent.
func New(provider Provider, pool *workerpool.Pool) *Archiver {
	return &Archiver{provider: provider, pool: pool}
}

// ArchiveSession submits the session's manifest and optional representative
// keyframe for upload. The call returns immediately; failures are logged,
// never propagated to the FSM (archiving is diagnostic, not authoritative).
func (a *Archiver) ArchiveSession(session model.Session, keyframeJPEG []byte) {
	manifest := Manifest{
		SessionID:  session.ID,
		DeviceID:   session.DeviceID,
		StreamPath: session.StreamPath,
		StartTs:    session.StartTs,
		EndTs:      session.EndTs,
		Classes:    session.Classes(),
	}

	a.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		manifestJSON, err := json.Marshal(manifest)
		if err != nil {
			log.Error("marshal session manifest", "session_id", session.ID, "error", err)
			return
		}
		manifestKey := fmt.Sprintf("%s/manifest.json", session.ID)
		if err := a.provider.Upload(ctx, manifestKey, manifestJSON, "application/json"); err != nil {
			log.Error("archive manifest upload failed", "provider", a.provider.Name(), "session_id", session.ID, "error", err)
			return
		}

		if len(keyframeJPEG) > 0 {
			keyKey := fmt.Sprintf("%s/keyframe.jpg", session.ID)
			if err := a.provider.Upload(ctx, keyKey, keyframeJPEG, "image/jpeg"); err != nil {
				log.Error("archive keyframe upload failed", "provider", a.provider.Name(), "session_id", session.ID, "error", err)
				return
			}
		}

		log.Info("session archived", "provider", a.provider.Name(), "session_id", session.ID)
	})
}
