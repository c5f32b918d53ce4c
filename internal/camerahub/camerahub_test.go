package camerahub

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edge-agent/agent/internal/supervisor"
	"github.com/stretchr/testify/require"
)

func TestShmSizeMeetsMinimumFormula(t *testing.T) {
	got := ShmSize(15, 1280, 720)
	want := int64(3 * 15 * 1280 * 720 * 1.5)
	require.Equal(t, want, got)
}

func TestStartDetectsReadinessViaSocketFile(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "hub.sock")

	hub := New(Config{
		Command:    "sh",
		Args:       []string{"-c", "sleep 0.2; touch " + sock + "; sleep 5"},
		SocketPath: sock,
	}, supervisor.New())

	start := time.Now()
	err := hub.Start(context.Background())
	require.NoError(t, err)
	require.Less(t, time.Since(start), readyTimeout)

	_, statErr := os.Stat(sock)
	require.NoError(t, statErr)

	hub.Stop(500 * time.Millisecond)
}

func TestStartFallsBackToTimeoutWhenNeverReady(t *testing.T) {
	hub := New(Config{
		Command:    "sh",
		Args:       []string{"-c", "sleep 5"},
		SocketPath: filepath.Join(t.TempDir(), "never-created.sock"),
	}, supervisor.New())

	start := time.Now()
	err := hub.Start(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), readyTimeout)

	hub.Stop(500 * time.Millisecond)
}
