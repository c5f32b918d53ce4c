// Package director wires the AI Engine's detection/keepalive events to the
// Session FSM and, in turn, the FSM's commands to the publisher, frame
// capture, session store, session ledger, and session archiver. It is the
// one component that touches all of those at once, so the FSM itself can
// stay a pure state machine (spec §4.7).
package director

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edge-agent/agent/internal/aiengine"
	"github.com/edge-agent/agent/internal/archive"
	"github.com/edge-agent/agent/internal/capture"
	"github.com/edge-agent/agent/internal/logging"
	"github.com/edge-agent/agent/internal/publisher"
	"github.com/edge-agent/agent/internal/sessionledger"
	"github.com/edge-agent/agent/internal/sessionstore"
	"github.com/edge-agent/agent/internal/statusapi"
	"github.com/edge-agent/agent/pkg/model"
)

var log = logging.L("director")

const keyframeJPEGQuality = 70

// Director owns session lifecycle side effects. It implements fsm.Commands.
type Director struct {
	ctx        context.Context
	deviceID   string
	streamPath string

	capture    *capture.Reader
	publishers []*publisher.Publisher
	store      *sessionstore.Client
	ledger     *sessionledger.Ledger
	archiver   *archive.Archiver // nil if archiving disabled
	status     *statusapi.Store

	mu          sync.Mutex
	session     model.Session
	sessionOpen bool
	seqNo       uint64

	lastFrame atomic.Pointer[model.Frame]
}

// Config bundles the collaborators a Director dispatches to.
type Config struct {
	DeviceID   string
	StreamPath string
	Capture    *capture.Reader
	Publishers []*publisher.Publisher
	Store      *sessionstore.Client
	Ledger     *sessionledger.Ledger
	Archiver   *archive.Archiver
	Status     *statusapi.Store
}

// New creates a Director. ctx is used for the capture mode-switch calls it
// issues as part of FSM command dispatch.
func New(ctx context.Context, cfg Config) *Director {
	return &Director{
		ctx:        ctx,
		deviceID:   cfg.DeviceID,
		streamPath: cfg.StreamPath,
		capture:    cfg.Capture,
		publishers: cfg.Publishers,
		store:      cfg.Store,
		ledger:     cfg.Ledger,
		archiver:   cfg.Archiver,
		status:     cfg.Status,
	}
}

// HandleFrame stashes the latest frame as the candidate representative
// keyframe for the session currently open, if any.
func (d *Director) HandleFrame(f model.Frame) {
	frame := f
	d.lastFrame.Store(&frame)
}

// OnDetection is the bus.Handler for aiengine.TopicDetection.
func (d *Director) OnDetection(topic string, event any) {
	ev, ok := event.(aiengine.DetectionEvent)
	if !ok {
		return
	}

	d.mu.Lock()
	open := d.sessionOpen
	if open && ev.Relevant {
		for _, det := range ev.Detections {
			d.session.AddClass(det.Class)
		}
	}
	d.mu.Unlock()

	if d.status != nil && ev.Relevant {
		d.status.RecordDetection()
	}

	if open {
		d.ingestAuthoritative(ev)
	} else if ev.Relevant {
		d.ingestLegacy(ev)
	}
}

// OnKeepalive is the bus.Handler for aiengine.TopicKeepalive.
func (d *Director) OnKeepalive(topic string, event any) {
	if d.status != nil {
		d.status.Heartbeat()
	}
}

func (d *Director) ingestAuthoritative(ev aiengine.DetectionEvent) {
	d.mu.Lock()
	d.seqNo++
	seq := d.seqNo
	sessionID := d.session.ID
	d.mu.Unlock()

	var frameJPEG []byte
	if fp := d.lastFrame.Load(); fp != nil {
		if jpg, err := fp.JPEG(keyframeJPEGQuality); err == nil {
			frameJPEG = jpg
		}
	}

	meta := sessionstore.IngestMeta{
		SessionID:  sessionID,
		SeqNo:      seq,
		CaptureTs:  ev.TsISO,
		Detections: sessionstore.DetectionDTOsFrom(ev.Detections),
	}

	go func() {
		if err := d.store.Ingest(d.ctx, meta, frameJPEG); err != nil {
			log.Error("authoritative ingest failed", "session_id", sessionID, "seq", seq, "error", err)
		}
	}()
}

func (d *Director) ingestLegacy(ev aiengine.DetectionEvent) {
	d.mu.Lock()
	d.seqNo++
	seq := d.seqNo
	d.mu.Unlock()

	d.store.EnqueueLegacyFlush(d.ctx, sessionstore.BatchItem{
		SeqNo:      seq,
		CaptureTs:  ev.TsISO,
		Detections: sessionstore.DetectionDTOsFrom(ev.Detections),
	})
}

// OpenSession implements fsm.Commands.
func (d *Director) OpenSession(startTs time.Time) {
	sessionID := d.store.Open(d.ctx, sessionstore.OpenSessionRequest{
		DevID:      d.deviceID,
		StreamPath: d.streamPath,
		StartTs:    startTs,
	})

	d.mu.Lock()
	d.session = model.Session{
		ID:         sessionID,
		DeviceID:   d.deviceID,
		StreamPath: d.streamPath,
		StartTs:    startTs,
	}
	d.sessionOpen = true
	d.seqNo = 0
	d.mu.Unlock()

	if d.status != nil {
		d.status.SetSession(true, sessionID)
	}

	if d.ledger != nil {
		if err := d.ledger.RecordOpen(d.ctx, sessionID, d.deviceID, d.streamPath, startTs); err != nil {
			log.Warn("ledger record open failed", "session_id", sessionID, "error", err)
		}
	}

	log.Info("session opened", "session_id", sessionID)
}

// CloseSession implements fsm.Commands.
func (d *Director) CloseSession(endTs time.Time, postRollSec int) {
	d.mu.Lock()
	session := d.session
	session.EndTs = endTs
	session.PostRollSec = postRollSec
	d.session = session
	d.sessionOpen = false
	d.mu.Unlock()

	if d.status != nil {
		d.status.SetSession(false, "")
	}

	d.store.Close(d.ctx, sessionstore.CloseSessionRequest{
		SessionID:   session.ID,
		EndTs:       endTs,
		PostRollSec: postRollSec,
	})

	classes := session.Classes()
	if d.ledger != nil {
		if err := d.ledger.RecordClose(d.ctx, session.ID, endTs, classes); err != nil {
			log.Warn("ledger record close failed", "session_id", session.ID, "error", err)
		}
	}

	if d.archiver != nil {
		var keyframe []byte
		if fp := d.lastFrame.Load(); fp != nil {
			if jpg, err := fp.JPEG(keyframeJPEGQuality); err == nil {
				keyframe = jpg
			}
		}
		d.archiver.ArchiveSession(session, keyframe)
		if d.ledger != nil {
			if err := d.ledger.MarkArchived(d.ctx, session.ID); err != nil {
				log.Warn("ledger mark archived failed", "session_id", session.ID, "error", err)
			}
		}
	}

	log.Info("session closed", "session_id", session.ID, "classes", classes)
}

// StartPublisher implements fsm.Commands: starts every configured
// publisher path (live, record).
func (d *Director) StartPublisher() {
	for _, p := range d.publishers {
		if err := p.Start(); err != nil {
			log.Error("publisher start failed", "error", err)
		}
	}
}

// StopPublisher implements fsm.Commands.
func (d *Director) StopPublisher() {
	for _, p := range d.publishers {
		p.Stop(2 * time.Second)
	}
}

// SetModeActive implements fsm.Commands: raises the capture reader's
// target frame rate.
func (d *Director) SetModeActive() {
	if err := d.capture.SetMode(d.ctx, capture.ModeActive); err != nil {
		log.Error("capture set mode active failed", "error", err)
	}
}

// SetModeIdle implements fsm.Commands.
func (d *Director) SetModeIdle() {
	if err := d.capture.SetMode(d.ctx, capture.ModeIdle); err != nil {
		log.Error("capture set mode idle failed", "error", err)
	}
}
