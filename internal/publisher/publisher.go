// Package publisher runs the on-demand RTSP push child: it reads the
// camera hub's shared-memory socket, encodes H.264, and publishes to the
// media relay. It auto-restarts while desired, with capped exponential
// backoff (spec §4.8).
package publisher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edge-agent/agent/internal/health"
	"github.com/edge-agent/agent/internal/logging"
	"github.com/edge-agent/agent/internal/supervisor"
)

var log = logging.L("publisher")

// State mirrors the Publisher Instance lifecycle (spec §3).
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	maxBackoff     = 5 * time.Second
	baseBackoff    = 500 * time.Millisecond
	stopGrace      = 2 * time.Second
)

// Config describes how to launch the RTSP push child for one path (live
// or record; the two paths use independent Publisher instances).
type Config struct {
	Command    string
	Args       []string
	Path       string

	// OnHealth, if set, is called whenever this publisher's health changes.
	OnHealth func(status health.Status, message string)
}

// EncoderProbe reports whether a candidate hardware encoder works; it is
// invoked at most once process-wide per candidate (spec §4.8: encoder
// detection is cached).
type EncoderProbe func() (encoder string, ok bool)

var (
	cachedEncoder   string
	cachedEncoderOK bool
	encoderOnce     sync.Once
)

// DetectEncoder runs candidates in order and caches the first success for
// the lifetime of the process.
func DetectEncoder(candidates []EncoderProbe) string {
	encoderOnce.Do(func() {
		for _, probe := range candidates {
			if enc, ok := probe(); ok {
				cachedEncoder = enc
				cachedEncoderOK = true
				log.Info("encoder detected", "encoder", enc)
				return
			}
		}
		log.Warn("no hardware encoder detected, falling back to software")
		cachedEncoder = "software"
		cachedEncoderOK = true
	})
	return cachedEncoder
}

// Publisher supervises one RTSP push child.
type Publisher struct {
	cfg Config
	sup *supervisor.Supervisor

	mu             sync.Mutex
	state          State
	handle         *supervisor.Handle
	desiredRunning atomic.Bool
	restartAttempt int
}

// New creates a Publisher bound to the given supervisor.
func New(cfg Config, sup *supervisor.Supervisor) *Publisher {
	return &Publisher{cfg: cfg, sup: sup, state: StateIdle}
}

// Start sets desired-running, resets the restart counter, and spawns the
// child. Safe to call when already running (no-op).
func (p *Publisher) Start() error {
	p.mu.Lock()
	if p.state == StateRunning || p.state == StateStarting {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStarting
	p.restartAttempt = 0
	p.mu.Unlock()

	p.desiredRunning.Store(true)
	return p.spawn()
}

func (p *Publisher) spawn() error {
	handle, err := p.sup.Spawn(supervisor.Spec{
		Command: p.cfg.Command,
		Args:    p.cfg.Args,
		Stderr: func(line string) {
			log.Debug("publisher stderr", "path", p.cfg.Path, "line", line)
		},
		OnExit: func(code int, signaled bool) {
			log.Info("publisher child exited", "path", p.cfg.Path, "code", code, "signaled", signaled)
			p.onExit()
		},
	})
	if err != nil {
		p.mu.Lock()
		p.state = StateIdle
		p.mu.Unlock()
		p.reportHealth(health.Unhealthy, "spawn failed: "+err.Error())
		return err
	}

	p.mu.Lock()
	p.handle = handle
	p.state = StateRunning
	p.mu.Unlock()
	p.reportHealth(health.Healthy, "")
	return nil
}

func (p *Publisher) reportHealth(status health.Status, message string) {
	if p.cfg.OnHealth != nil {
		p.cfg.OnHealth(status, message)
	}
}

func (p *Publisher) onExit() {
	if !p.desiredRunning.Load() {
		p.mu.Lock()
		p.state = StateIdle
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.restartAttempt++
	attempt := p.restartAttempt
	p.mu.Unlock()

	delay := backoffFor(attempt - 1)
	log.Info("publisher auto-restart", "path", p.cfg.Path, "attempt", attempt, "delay", delay)
	p.reportHealth(health.Degraded, "restarting after exit")
	time.Sleep(delay)

	if !p.desiredRunning.Load() {
		return
	}
	if err := p.spawn(); err != nil {
		log.Error("publisher restart failed", "path", p.cfg.Path, "error", err)
	}
}

func backoffFor(attempt int) time.Duration {
	d := baseBackoff * time.Duration(1<<uint(attempt))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Stop sets desired-running to false (disabling auto-restart), sends a
// graceful stop signal, waits up to graceMs, then forces termination.
func (p *Publisher) Stop(grace time.Duration) {
	if grace <= 0 {
		grace = stopGrace
	}
	p.desiredRunning.Store(false)

	p.mu.Lock()
	p.state = StateStopping
	handle := p.handle
	p.mu.Unlock()

	if handle != nil {
		p.sup.Kill(handle, grace)
	}

	p.mu.Lock()
	p.state = StateIdle
	p.mu.Unlock()
}

// State returns the publisher's current lifecycle state.
func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
