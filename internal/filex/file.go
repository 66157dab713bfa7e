// Package filex contains filesystem helpers for the client data directory.
package filex

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureDir expands a leading "~" and creates dir (with parents) when it is
// missing. The absolute path is returned.
func EnsureDir(dir string) (string, error) {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("home dir: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", dir, err)
	}

	if err := os.MkdirAll(abs, 0o700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", abs, err)
	}

	return abs, nil
}

// WorkspaceDBPath returns the sqlite file holding the local data of one
// workspace, named after the realm id.
func WorkspaceDBPath(dataDir, realmID string) string {
	return filepath.Join(dataDir, "workspaces", realmID+".sqlite")
}

// DeviceDBPath returns the sqlite file holding device-wide data (user
// manifest, device keys, certificates).
func DeviceDBPath(dataDir string) string {
	return filepath.Join(dataDir, "device.sqlite")
}
