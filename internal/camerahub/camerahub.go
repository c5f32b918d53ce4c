// Package camerahub manages the long-lived child process that owns the
// camera device and exposes sampled frames over a shared-memory socket
// (spec §4.3). The hub child outlives individual capture sessions; only an
// unexpected exit triggers a restart.
package camerahub

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/edge-agent/agent/internal/health"
	"github.com/edge-agent/agent/internal/logging"
	"github.com/edge-agent/agent/internal/supervisor"
)

var log = logging.L("camerahub")

// readyPollInterval and readyTimeout bound how long Start waits for the
// child to become ready before falling back to "assume ready" behavior.
const (
	readyPollInterval = 100 * time.Millisecond
	readyTimeout      = 2500 * time.Millisecond
	restartDelay      = 2 * time.Second
)

// readyLogNeedle is the heuristic substring the hub child logs once its
// capture pipeline reaches the playing state.
const readyLogNeedle = "state changed to: PLAYING"

// Config describes how to launch the camera-hub child and size its
// shared-memory segment.
type Config struct {
	Command    string
	Args       []string
	SocketPath string
	FPS        int
	Width      int
	Height     int

	// OnHealth, if set, is called whenever the hub's health changes: ready,
	// crashed, or restarting.
	OnHealth func(status health.Status, message string)
}

// ShmSize returns the minimum shared-memory segment size in bytes for the
// given geometry: 3 seconds of 4:2:0 planar frames at fps, each frame
// taking 1.5 bytes per pixel (spec §4.3: bytes >= 3 * fps * width * height * 1.5).
func ShmSize(fps, width, height int) int64 {
	frameBytes := float64(width) * float64(height)
	return int64(3 * float64(fps) * frameBytes * 1.5)
}

// Hub supervises the camera-hub child process and exposes the path to its
// shared-memory socket once ready.
type Hub struct {
	cfg Config
	sup *supervisor.Supervisor

	handle   *supervisor.Handle
	restarts int
	stopped  atomic.Bool
}

// New creates a Hub bound to the given supervisor.
func New(cfg Config, sup *supervisor.Supervisor) *Hub {
	return &Hub{cfg: cfg, sup: sup}
}

// Start launches the hub child and blocks until it is ready (socket exists
// or the log heuristic fires) or readyTimeout elapses, whichever is first.
// On unexpected exit the hub is restarted automatically after restartDelay.
func (h *Hub) Start(ctx context.Context) error {
	h.stopped.Store(false)
	return h.spawn(ctx)
}

func (h *Hub) spawn(ctx context.Context) error {
	ready := make(chan struct{})
	var readyOnce bool

	handle, err := h.sup.Spawn(supervisor.Spec{
		Command: h.cfg.Command,
		Args:    h.cfg.Args,
		Stdout: func(line string) {
			log.Debug("camera hub stdout", "line", line)
			if !readyOnce && strings.Contains(line, readyLogNeedle) {
				readyOnce = true
				close(ready)
			}
		},
		Stderr: func(line string) {
			log.Debug("camera hub stderr", "line", line)
		},
		OnExit: func(code int, signaled bool) {
			log.Warn("camera hub exited", "code", code, "signaled", signaled)
			h.reportHealth(health.Unhealthy, "child process exited unexpectedly")
			h.onUnexpectedExit(ctx)
		},
	})
	if err != nil {
		return err
	}
	h.handle = handle

	h.waitReady(ready)
	h.reportHealth(health.Healthy, "")
	return nil
}

func (h *Hub) reportHealth(status health.Status, message string) {
	if h.cfg.OnHealth != nil {
		h.cfg.OnHealth(status, message)
	}
}

func (h *Hub) waitReady(ready <-chan struct{}) {
	deadline := time.After(readyTimeout)
	poll := time.NewTicker(readyPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ready:
			return
		case <-poll.C:
			if _, err := os.Stat(h.cfg.SocketPath); err == nil {
				return
			}
		case <-deadline:
			log.Warn("camera hub readiness timed out, proceeding anyway")
			return
		}
	}
}

func (h *Hub) onUnexpectedExit(ctx context.Context) {
	if ctx.Err() != nil || h.stopped.Load() {
		return // intentional shutdown
	}
	h.restarts++
	log.Info("restarting camera hub", "attempt", h.restarts, "delay", restartDelay)
	h.reportHealth(health.Degraded, "restarting after unexpected exit")
	time.Sleep(restartDelay)
	if ctx.Err() != nil || h.stopped.Load() {
		return
	}
	if err := h.spawn(ctx); err != nil {
		log.Error("camera hub restart failed", "error", err)
		h.reportHealth(health.Unhealthy, "restart failed: "+err.Error())
	}
}

// Stop requests a graceful shutdown of the hub child.
func (h *Hub) Stop(grace time.Duration) {
	h.stopped.Store(true)
	if h.handle == nil {
		return
	}
	h.sup.Kill(h.handle, grace)
}
