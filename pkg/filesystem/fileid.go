// Package filesystem provides the Linux-specific filesystem primitives the
// gate and vclient daemons need: device/inode identity, reflink cloning,
// atomic installs, and ownership-capability probing. Every managed file in
// spec.md §3 is identified by the (device, inode) pair this package exposes.
package filesystem

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FileID identifies a regular file by the kernel's own notion of identity,
// independent of its path. Watchers and skip caches key on this rather than
// on paths because paths are renamed and reused but (device, inode) pairs
// are stable for the lifetime of the underlying inode.
type FileID struct {
	Device uint64
	Inode  uint64
}

// Metadata is the subset of stat(2) information the channel handler and
// watcher need: identity, type, size, and the two timestamps that matter
// (modification time for sync-pass comparisons, change time for the skip
// cache).
type Metadata struct {
	FileID
	Mode             Mode
	Size             int64
	UID              uint32
	GID              uint32
	ModificationTime time.Time
	ChangeTime       time.Time
}

// IsRegular reports whether the metadata describes a regular file.
func (m *Metadata) IsRegular() bool {
	return m.Mode&ModeTypeMask == ModeTypeFile
}

// statMetadata converts a raw unix.Stat_t into a Metadata value.
func statMetadata(stat *unix.Stat_t) *Metadata {
	return &Metadata{
		FileID: FileID{
			Device: uint64(stat.Dev),
			Inode:  stat.Ino,
		},
		Mode:             Mode(stat.Mode),
		Size:             stat.Size,
		UID:              stat.Uid,
		GID:              stat.Gid,
		ModificationTime: time.Unix(stat.Mtim.Sec, stat.Mtim.Nsec),
		ChangeTime:       time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec),
	}
}

// Lstat reads metadata for path without following a trailing symbolic link.
func Lstat(path string) (*Metadata, error) {
	var stat unix.Stat_t
	if err := unix.Lstat(path, &stat); err != nil {
		return nil, errors.Wrap(err, "unable to stat path")
	}
	return statMetadata(&stat), nil
}

// FstatFile reads metadata from an already-open file descriptor.
func FstatFile(file *os.File) (*Metadata, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &stat); err != nil {
		return nil, errors.Wrap(err, "unable to fstat file")
	}
	return statMetadata(&stat), nil
}

// DeviceID returns the device identifier for the filesystem containing
// path. The channel pre-flight self-test does not use it; it checks for a
// shared reflink-capable filesystem by probing clones instead.
func DeviceID(path string) (uint64, error) {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return 0, errors.Wrap(err, "unable to query filesystem information")
	}
	return uint64(stat.Dev), nil
}
