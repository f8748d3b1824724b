// Package locking provides a simple advisory file-locking primitive used to
// enforce that only one daemon instance runs against a given state
// directory at a time.
package locking

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// Locker provides file locking facilities backed by POSIX advisory record
// locks (fcntl F_SETLK/F_SETLKW).
type Locker struct {
	// file is the underlying file object to be locked.
	file *os.File
}

// NewLocker attempts to create a lock with the file at the specified path,
// creating the file if necessary. The lock is returned in an unlocked state.
func NewLocker(path string, permissions os.FileMode) (*Locker, error) {
	mode := os.O_RDWR | os.O_CREATE | os.O_APPEND
	file, err := os.OpenFile(path, mode, permissions)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open lock file")
	}
	return &Locker{file: file}, nil
}

// Lock attempts to acquire the file lock. If block is false, a lock held by
// another process is reported as an error instead of waiting.
func (l *Locker) Lock(block bool) error {
	lockSpec := syscall.Flock_t{
		Type:   syscall.F_WRLCK,
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    0,
	}
	operation := syscall.F_SETLK
	if block {
		operation = syscall.F_SETLKW
	}
	return syscall.FcntlFlock(l.file.Fd(), operation, &lockSpec)
}

// Unlock releases the file lock.
func (l *Locker) Unlock() error {
	unlockSpec := syscall.Flock_t{
		Type:   syscall.F_UNLCK,
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    0,
	}
	return syscall.FcntlFlock(l.file.Fd(), syscall.F_SETLK, &unlockSpec)
}

// Close closes the underlying lock file. Closing the file also drops any
// record lock this process holds on it.
func (l *Locker) Close() error {
	return l.file.Close()
}
