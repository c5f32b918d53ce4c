package fsm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingCommands struct {
	mu      sync.Mutex
	opened  int
	closed  int
	started int
	stopped int
	modes   []string
}

func (r *recordingCommands) OpenSession(time.Time)            { r.mu.Lock(); r.opened++; r.mu.Unlock() }
func (r *recordingCommands) CloseSession(time.Time, int)      { r.mu.Lock(); r.closed++; r.mu.Unlock() }
func (r *recordingCommands) StartPublisher()                  { r.mu.Lock(); r.started++; r.mu.Unlock() }
func (r *recordingCommands) StopPublisher()                   { r.mu.Lock(); r.stopped++; r.mu.Unlock() }
func (r *recordingCommands) SetModeActive()                   { r.mu.Lock(); r.modes = append(r.modes, "active"); r.mu.Unlock() }
func (r *recordingCommands) SetModeIdle()                     { r.mu.Lock(); r.modes = append(r.modes, "idle"); r.mu.Unlock() }

func waitForState(t *testing.T, m *Machine, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, got %s", want, m.State())
}

func testConfig() Config {
	return Config{
		Dwell:    30 * time.Millisecond,
		Silence:  60 * time.Millisecond,
		PostRoll: 60 * time.Millisecond,
	}
}

func TestDwellTimerFiresIntoActive(t *testing.T) {
	cmds := &recordingCommands{}
	m := New(testConfig(), cmds, nil)

	m.HandleEvent(EventDetectionRelevant)
	require.Equal(t, StateDwell, m.State())

	waitForState(t, m, StateActive, time.Second)
	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	require.Equal(t, 1, cmds.opened)
	require.Equal(t, 1, cmds.started)
}

func TestDwellCancelsOnIrrelevant(t *testing.T) {
	cmds := &recordingCommands{}
	m := New(testConfig(), cmds, nil)

	m.HandleEvent(EventDetectionRelevant)
	m.HandleEvent(EventDetectionIrrelevant)
	require.Equal(t, StateIdle, m.State())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateIdle, m.State())
}

func TestSilenceThenPostRollClosesSession(t *testing.T) {
	cmds := &recordingCommands{}
	m := New(testConfig(), cmds, nil)

	m.HandleEvent(EventDetectionRelevant)
	waitForState(t, m, StateActive, time.Second)

	waitForState(t, m, StateClosing, time.Second)
	waitForState(t, m, StateIdle, time.Second)

	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	require.Equal(t, 1, cmds.closed)
	require.Equal(t, 1, cmds.stopped)
	require.Equal(t, []string{"active", "idle"}, cmds.modes)
}

func TestReEntryFromClosingToActiveDoesNotStopPublisher(t *testing.T) {
	cmds := &recordingCommands{}
	m := New(testConfig(), cmds, nil)

	m.HandleEvent(EventDetectionRelevant)
	waitForState(t, m, StateActive, time.Second)
	waitForState(t, m, StateClosing, time.Second)

	m.HandleEvent(EventDetectionRelevant)
	require.Equal(t, StateActive, m.State())

	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	require.Equal(t, 0, cmds.stopped)
	require.Equal(t, 1, cmds.started)
}
