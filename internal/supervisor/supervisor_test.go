package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnCapturesStdoutLines(t *testing.T) {
	s := New()
	var mu sync.Mutex
	var lines []string

	exitCh := make(chan struct{})
	h, err := s.Spawn(Spec{
		Command: "sh",
		Args:    []string{"-c", "echo one; echo two"},
		Stdout: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
		OnExit: func(code int, signaled bool) {
			close(exitCh)
		},
	})
	require.NoError(t, err)
	require.NotZero(t, h.PID())

	select {
	case <-exitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit in time")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"one", "two"}, lines)
}

func TestOnExitFiresExactlyOnce(t *testing.T) {
	s := New()
	var count int
	var mu sync.Mutex
	done := make(chan struct{})

	h, err := s.Spawn(Spec{
		Command: "sh",
		Args:    []string{"-c", "sleep 5"},
		OnExit: func(code int, signaled bool) {
			mu.Lock()
			count++
			mu.Unlock()
			close(done)
		},
	})
	require.NoError(t, err)

	s.Kill(h, 500*time.Millisecond)
	s.Kill(h, 500*time.Millisecond) // idempotent, must not refire

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("onExit never fired")
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestKillEscalatesToForceOnGraceExpiry(t *testing.T) {
	s := New()
	done := make(chan struct{})
	start := time.Now()

	// ignores SIGINT/SIGTERM so Kill must escalate to SIGKILL
	h, err := s.Spawn(Spec{
		Command: "sh",
		Args:    []string{"-c", "trap '' INT TERM; sleep 5"},
		OnExit: func(code int, signaled bool) {
			close(done)
		},
	})
	require.NoError(t, err)

	s.Kill(h, 300*time.Millisecond)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("process survived forced kill")
	}
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}
