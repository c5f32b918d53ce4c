package publisher

import (
	"sync"
	"testing"
	"time"

	"github.com/edge-agent/agent/internal/supervisor"
	"github.com/stretchr/testify/require"
)

func TestBackoffForCapsAtMax(t *testing.T) {
	require.Equal(t, 500*time.Millisecond, backoffFor(0))
	require.Equal(t, 1*time.Second, backoffFor(1))
	require.Equal(t, 2*time.Second, backoffFor(2))
	require.Equal(t, 4*time.Second, backoffFor(3))
	require.Equal(t, maxBackoff, backoffFor(4))
	require.Equal(t, maxBackoff, backoffFor(10))
}

func TestStartThenStopTransitionsState(t *testing.T) {
	p := New(Config{Command: "sh", Args: []string{"-c", "sleep 5"}, Path: "live"}, supervisor.New())

	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return p.State() == StateRunning }, time.Second, 10*time.Millisecond)

	p.Stop(300 * time.Millisecond)
	require.Equal(t, StateIdle, p.State())
}

func TestStopPreventsAutoRestart(t *testing.T) {
	p := New(Config{Command: "sh", Args: []string{"-c", "sleep 0.1"}, Path: "record"}, supervisor.New())

	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return p.State() == StateRunning }, time.Second, 10*time.Millisecond)

	p.Stop(300 * time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	require.Equal(t, StateIdle, p.State())
}

func TestDetectEncoderCachesFirstSuccess(t *testing.T) {
	encoderOnce = sync.Once{}
	calls := 0
	first := func() (string, bool) { calls++; return "", false }
	second := func() (string, bool) { calls++; return "nvenc", true }
	third := func() (string, bool) { calls++; return "vaapi", true }

	got := DetectEncoder([]EncoderProbe{first, second, third})
	require.Equal(t, "nvenc", got)
	require.Equal(t, 2, calls)

	got2 := DetectEncoder([]EncoderProbe{third})
	require.Equal(t, "nvenc", got2)
	require.Equal(t, 2, calls) // cached, no further probing
}
