package daemon

import (
	"os"
	"path/filepath"
)

// getConfigDir returns the runtime state directory. Uses SCANGATE_CONFIG_DIR
// if set (test isolation), otherwise ~/.scangate.
func getConfigDir() string {
	if dir := os.Getenv("SCANGATE_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".scangate")
}

// ConfigDir returns the runtime state directory path.
func ConfigDir() string {
	return getConfigDir()
}

// LockPath returns the exclusive daemon lock file path.
func LockPath() string {
	return filepath.Join(getConfigDir(), "scangate.lock")
}

// PidPath returns the PID file path.
func PidPath() string {
	return filepath.Join(getConfigDir(), "scangate.pid")
}

// DefaultEventsPath returns where the security event journal lives when the
// config does not name a path.
func DefaultEventsPath() string {
	return filepath.Join(getConfigDir(), "events.db")
}

// EnsureConfigDir creates the runtime state directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}
