// Package fsm implements the Session FSM: the dwell→active→post-roll
// state machine that turns detection/keepalive events into session and
// publisher commands (spec §4.7).
package fsm

import (
	"sync"
	"time"

	"github.com/edge-agent/agent/internal/logging"
)

var log = logging.L("fsm")

// State is one of the four canonical FSM states.
type State int

const (
	StateIdle State = iota
	StateDwell
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDwell:
		return "DWELL"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Default timer durations (spec §4.7); overridable via Config.
const (
	DefaultDwellMs    = 500
	DefaultSilenceMs  = 3000
	DefaultPostRollMs = 5000
)

// Config carries the configurable timer durations.
type Config struct {
	Dwell    time.Duration
	Silence  time.Duration
	PostRoll time.Duration
}

// DefaultConfig returns the spec's default timer values.
func DefaultConfig() Config {
	return Config{
		Dwell:    DefaultDwellMs * time.Millisecond,
		Silence:  DefaultSilenceMs * time.Millisecond,
		PostRoll: DefaultPostRollMs * time.Millisecond,
	}
}

// Commands is the set of side effects a transition may issue. All are
// dispatched synchronously on the FSM's own task before a transition is
// considered complete (spec §5); implementations may perform asynchronous
// I/O internally but must not block indefinitely.
type Commands interface {
	OpenSession(startTs time.Time)
	CloseSession(endTs time.Time, postRollSec int)
	StartPublisher()
	StopPublisher()
	SetModeActive()
	SetModeIdle()
}

// Event is the input alphabet the FSM consumes.
type Event int

const (
	EventDetectionRelevant Event = iota
	EventDetectionIrrelevant
	EventKeepalive
)

// Machine is the Session FSM. A mutex serializes HandleEvent, State and
// the timer callbacks (which run on timer goroutines), so events and timer
// firings are applied one at a time.
type Machine struct {
	cfg      Config
	commands Commands
	now      func() time.Time

	mu    sync.Mutex
	state State

	dwellTimer    *time.Timer
	silenceTimer  *time.Timer
	postRollTimer *time.Timer
}

// New creates a Machine in IDLE. now defaults to time.Now (monotonic) if nil.
func New(cfg Config, commands Commands, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{cfg: cfg, commands: commands, now: now, state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HandleEvent feeds one event into the machine.
func (m *Machine) HandleEvent(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	switch m.state {
	case StateIdle:
		if ev == EventDetectionRelevant {
			m.transitionTo(StateDwell, ev)
			m.startDwellTimer()
		}
	case StateDwell:
		switch ev {
		case EventDetectionRelevant:
			m.transitionTo(StateDwell, ev)
			m.startDwellTimer() // refresh
		case EventDetectionIrrelevant, EventKeepalive:
			m.cancelTimers()
			m.transitionTo(StateIdle, ev)
		}
	case StateActive:
		if ev == EventDetectionRelevant {
			m.transitionTo(StateActive, ev)
			m.startSilenceTimer()
		}
	case StateClosing:
		if ev == EventDetectionRelevant {
			m.cancelPostRoll()
			m.transitionTo(StateActive, ev)
			m.startSilenceTimer()
		}
	}
	_ = from
}

func (m *Machine) startDwellTimer() {
	if m.dwellTimer != nil {
		m.dwellTimer.Stop()
	}
	m.dwellTimer = time.AfterFunc(m.cfg.Dwell, m.onDwellFired)
}

func (m *Machine) onDwellFired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDwell {
		return
	}
	m.transitionTo(StateActive, -1)
	startTs := m.now()
	m.commands.OpenSession(startTs)
	m.commands.StartPublisher()
	m.commands.SetModeActive()
	m.startSilenceTimer()
}

func (m *Machine) startSilenceTimer() {
	if m.silenceTimer != nil {
		m.silenceTimer.Stop()
	}
	m.silenceTimer = time.AfterFunc(m.cfg.Silence, m.onSilenceFired)
}

func (m *Machine) onSilenceFired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return
	}
	m.transitionTo(StateClosing, -1)
	m.commands.SetModeIdle()
	m.startPostRollTimer()
}

func (m *Machine) startPostRollTimer() {
	if m.postRollTimer != nil {
		m.postRollTimer.Stop()
	}
	m.postRollTimer = time.AfterFunc(m.cfg.PostRoll, m.onPostRollFired)
}

func (m *Machine) onPostRollFired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateClosing {
		return
	}
	m.transitionTo(StateIdle, -1)
	m.commands.StopPublisher()
	endTs := m.now()
	postRollSec := int(m.cfg.PostRoll / time.Second)
	m.commands.CloseSession(endTs, postRollSec)
}

func (m *Machine) cancelPostRoll() {
	if m.postRollTimer != nil {
		m.postRollTimer.Stop()
		m.postRollTimer = nil
	}
}

func (m *Machine) cancelTimers() {
	if m.dwellTimer != nil {
		m.dwellTimer.Stop()
		m.dwellTimer = nil
	}
	if m.silenceTimer != nil {
		m.silenceTimer.Stop()
		m.silenceTimer = nil
	}
	if m.postRollTimer != nil {
		m.postRollTimer.Stop()
		m.postRollTimer = nil
	}
}

func (m *Machine) transitionTo(to State, ev Event) {
	from := m.state
	m.state = to
	if from != to {
		log.Info("fsm transition", "from", from.String(), "to", to.String(), "event", eventName(ev))
	}
}

func eventName(ev Event) string {
	switch ev {
	case EventDetectionRelevant:
		return "detection.relevant"
	case EventDetectionIrrelevant:
		return "detection.irrelevant"
	case EventKeepalive:
		return "keepalive"
	default:
		return "timer"
	}
}
