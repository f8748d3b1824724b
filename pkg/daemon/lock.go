package daemon

import (
	"fmt"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/filesystem/locking"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/must"
)

// Lock represents the gate daemon's single-instance lock. Only one gate
// process may hold it at a time; a second `gate run` invocation against the
// same state directory fails fast rather than racing the first instance's
// channel handlers.
type Lock struct {
	locker *locking.Locker
	logger *logging.Logger
}

// AcquireLock attempts to acquire the daemon's single-instance lock,
// failing immediately (non-blocking) if another instance already holds it.
func AcquireLock(logger *logging.Logger) (*Lock, error) {
	path, err := lockPath()
	if err != nil {
		return nil, fmt.Errorf("unable to compute daemon lock path: %w", err)
	}

	locker, err := locking.NewLocker(path, 0600)
	if err != nil {
		return nil, fmt.Errorf("unable to create daemon file locker: %w", err)
	}
	if err := locker.Lock(false); err != nil {
		must.Close(locker, logger)
		return nil, fmt.Errorf("another gate instance is already running: %w", err)
	}

	return &Lock{locker: locker, logger: logger}, nil
}

// Release releases the daemon lock.
func (l *Lock) Release() error {
	if err := l.locker.Unlock(); err != nil {
		must.Close(l.locker, l.logger)
		return fmt.Errorf("unable to unlock: %w", err)
	}
	if err := l.locker.Close(); err != nil {
		return fmt.Errorf("unable to close locker: %w", err)
	}
	return nil
}
