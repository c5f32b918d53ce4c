// Package providers implements archive.Provider for local disk and the
// cloud storage SDKs carried over from the agent's backup-provider stack.
package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Local stores archived artifacts on a local or mounted filesystem.
type Local struct {
	BasePath string
}

// NewLocal creates a Local provider rooted at basePath.
func NewLocal(basePath string) *Local {
	return &Local{BasePath: filepath.Clean(basePath)}
}

func (l *Local) Name() string { return "local" }

// Upload writes data under BasePath/key, creating parent directories.
func (l *Local) Upload(_ context.Context, key string, data []byte, _ string) error {
	dest := filepath.Join(l.BasePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("providers: create archive directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("providers: write archive file: %w", err)
	}
	return nil
}
