package capture

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubstituteFPSReplacesOnlyThePlaceholder(t *testing.T) {
	args := []string{"--source", "/tmp/hub.sock", "--fps", "{fps}", "--format", "rgb"}
	got := substituteFPS(args, 12)
	require.Equal(t, []string{"--source", "/tmp/hub.sock", "--fps", "12", "--format", "rgb"}, got)
}

func TestModeString(t *testing.T) {
	require.Equal(t, "idle", ModeIdle.String())
	require.Equal(t, "active", ModeActive.String())
}
