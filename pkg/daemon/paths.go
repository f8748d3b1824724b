// Package daemon provides the gate daemon's single-instance lock, adapted
// from the teacher's pkg/daemon/lock.go and pkg/filesystem/locking, with the
// IPC/autostart/registration machinery those files also carried dropped:
// the gate daemon has no CLI-to-daemon RPC surface beyond `run`/`verify`,
// and autostart registration is out of scope per spec.md §1.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// lockName is the name of the daemon's single-instance lock file.
	lockName = "gate.lock"
	// defaultStateDirectory is used when GHAF_GATE_STATE_DIR is unset.
	defaultStateDirectory = "/var/lib/ghaf-gate"
)

// StateDirectory returns the directory used for daemon runtime state (at
// present, just the single-instance lock file), creating it if necessary.
func StateDirectory() (string, error) {
	dir := os.Getenv("GHAF_GATE_STATE_DIR")
	if dir == "" {
		dir = defaultStateDirectory
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("unable to create state directory: %w", err)
	}
	return dir, nil
}

// subpath computes a path within the state directory, creating the state
// directory in the process.
func subpath(name string) (string, error) {
	dir, err := StateDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// lockPath computes the path to the daemon's single-instance lock.
func lockPath() (string, error) {
	return subpath(lockName)
}
