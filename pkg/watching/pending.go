package watching

import (
	"time"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/filesystem"
)

// pendingEntry is a file awaiting debounce expiry (spec.md §3, "Pending
// entry"). It is keyed by (device, inode) for deduplication and indexed by
// path; the watcher maintains both maps in lockstep.
type pendingEntry struct {
	path     string
	source   string
	deadline time.Time
}

// pendingMove is an open rename: a MOVED_FROM has been seen but its
// MOVED_TO has not yet arrived (spec.md §3, "Pending move"). It is keyed by
// the kernel-assigned cookie.
type pendingMove struct {
	oldPath string
	source  string
	id      *filesystem.FileID
	expiry  time.Time
}

// watchedDir is a directory the watcher holds an inotify watch on, tagged
// with the producer/source name that events rooted there should carry.
type watchedDir struct {
	path   string
	source string
}

// rootEntry records a directory passed to AddRecursive, retained so that
// overflow recovery can rescan it (spec.md §4.1, "Overflow recovery").
type rootEntry struct {
	path   string
	source string
}
