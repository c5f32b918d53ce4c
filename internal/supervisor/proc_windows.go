//go:build windows

package supervisor

import (
	"errors"
	"os/exec"
)

var errUnsupportedGracefulStop = errors.New("supervisor: graceful stop not supported on windows")

// setProcessGroup is a no-op on Windows. Job Objects could be used for full
// process-tree management but are deferred to a future enhancement.
func setProcessGroup(cmd *exec.Cmd) {}

// terminateGracefully has no POSIX-signal equivalent on Windows; callers
// fall straight through to the forced kill path on this platform.
func terminateGracefully(cmd *exec.Cmd) error {
	return errUnsupportedGracefulStop
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
