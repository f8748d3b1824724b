// Package must provides helpers for operations whose errors should be
// logged and swallowed rather than propagated, matching spec.md §7's
// "transient I/O ... log, drop that event, continue" policy for anything
// downstream of a decision that has already been made.
package must

import (
	"io"
	"os"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
)

// Close closes c, logging a warning on failure.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("unable to close: %v", err)
	}
}

// OSRemove removes the named file, logging a warning on failure.
func OSRemove(name string, logger *logging.Logger) {
	if err := os.Remove(name); err != nil {
		logger.Warnf("unable to remove '%s': %v", name, err)
	}
}

// Unlock unlocks locker, logging a warning on failure.
func Unlock(locker interface{ Unlock() error }, logger *logging.Logger) {
	if err := locker.Unlock(); err != nil {
		logger.Warnf("unable to unlock: %v", err)
	}
}

// IOCopy copies from src to dst, logging a warning on failure. Used for
// best-effort draining of residual bytes where the caller has no action to
// take on error beyond noting it.
func IOCopy(dst io.Writer, src io.Reader, logger *logging.Logger) {
	if _, err := io.Copy(dst, src); err != nil {
		logger.Warnf("unable to copy: %v", err)
	}
}
