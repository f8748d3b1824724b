package watching

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/unix"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/filesystem"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/timeutil"
)

const (
	// DefaultMaxPending is the default pending-table ceiling (spec.md §3,
	// "Pending entry", "capacity default 10 000").
	DefaultMaxPending = 10000
	// skipCacheCapacity is the skip cache's fixed capacity (spec.md §3,
	// "Skip cache ... capacity 10 000").
	skipCacheCapacity = 10000
	// moveExpiry is how long a pending move waits for its pairing
	// MOVED_TO before degenerating to Deleted (spec.md §3, "Pending
	// move").
	moveExpiry = 2 * time.Second
	// pollFloor bounds the minimum wait between deadline checks so the
	// emission loop never busy-loops on an already-elapsed deadline
	// (spec.md §4.1, "floored by a small poll floor (100 ms)").
	pollFloor = 100 * time.Millisecond
	// rawEventChannelCapacity buffers decoded inotify events between the
	// reader goroutine and the cooperative dispatch loop.
	rawEventChannelCapacity = 256

	overflowBaseBackoff = 2 * time.Second
	overflowMaxBackoff  = 60 * time.Second
	overflowResetWindow = 5 * time.Minute

	watchMask = unix.IN_CLOSE_WRITE | unix.IN_CREATE | unix.IN_DELETE |
		unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_DELETE_SELF
)

// Config carries the tunable knobs for a Watcher (spec.md §3's channel
// attribute "debounce duration δ" plus the pending-table ceiling and the
// watcher's exclude list).
type Config struct {
	// Debounce is the debounce window δ. Defaults to one second.
	Debounce time.Duration
	// MaxPending is the pending-table ceiling. Defaults to
	// DefaultMaxPending.
	MaxPending int
	// Excludes lists directories (matched as exact paths, with their
	// subtrees implicitly excluded) that AddRecursive should not descend
	// into.
	Excludes []string
}

// Watcher is the recursive, debounced, move-aware inotify watcher described
// in spec.md §4.1. All of its internal state (pending tables, ready queue,
// watch maps) is owned exclusively by its single dispatch goroutine; the
// only state touched from other goroutines is the skip cache, which is
// safe for concurrent use on its own.
type Watcher struct {
	logger     *logging.Logger
	debounce   time.Duration
	maxPending int
	excludes   []string

	fd          int
	inotifyFile *os.File

	dirs map[int32]*watchedDir
	root []rootEntry

	pending       map[filesystem.FileID]*pendingEntry
	pendingByPath map[string]filesystem.FileID
	pendingMoves  map[uint32]*pendingMove
	ready         []Event

	skipCache *lru.Cache[filesystem.FileID, time.Time]

	overflowBackoff time.Duration
	lastOverflow    time.Time

	events chan Event
	errors chan error
	done   chan struct{}
}

// New creates a Watcher, initializing its inotify instance and skip cache.
// AddRecursive must be called to register roots before Start.
func New(logger *logging.Logger, config Config) (*Watcher, error) {
	if config.Debounce <= 0 {
		config.Debounce = time.Second
	}
	if config.MaxPending <= 0 {
		config.MaxPending = DefaultMaxPending
	}

	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize inotify: %w", err)
	}

	cache, err := lru.New[filesystem.FileID, time.Time](skipCacheCapacity)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unable to create skip cache: %w", err)
	}

	return &Watcher{
		logger:        logger,
		debounce:      config.Debounce,
		maxPending:    config.MaxPending,
		excludes:      config.Excludes,
		fd:            fd,
		inotifyFile:   os.NewFile(uintptr(fd), "inotify"),
		dirs:          make(map[int32]*watchedDir),
		pending:       make(map[filesystem.FileID]*pendingEntry),
		pendingByPath: make(map[string]filesystem.FileID),
		pendingMoves:  make(map[uint32]*pendingMove),
		skipCache:     cache,
		events:        make(chan Event),
		errors:        make(chan error, 1),
		done:          make(chan struct{}),
	}, nil
}

// Events returns the channel on which high-level events are delivered.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel on which watcher-fatal errors are delivered.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// RecordSkip enters an (inode, ctime) pair into the skip cache, as the
// channel handler is required to do for every file it installs (spec.md
// §4.2, "Returns to the Watcher a list of (inode, ctime) pairs that the
// watcher must enter into its skip cache"). Safe to call concurrently with
// the watcher's dispatch loop.
func (w *Watcher) RecordSkip(id filesystem.FileID, ctime time.Time) {
	w.skipCache.Add(id, ctime)
}

// isExcluded reports whether path is, or is under, one of the watcher's
// configured exclude directories.
func (w *Watcher) isExcluded(path string) bool {
	for _, exclude := range w.excludes {
		if path == exclude || strings.HasPrefix(path, exclude+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// AddRecursive walks root depth-first, registering a watch on every
// directory it encounters (skipping excluded subtrees entirely), and
// records root for later overflow rescans (spec.md §4.1, "Setup").
func (w *Watcher) AddRecursive(root, source string) error {
	w.root = append(w.root, rootEntry{path: root, source: source})
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if path != root && w.isExcluded(path) {
			return filepath.SkipDir
		}
		return w.addWatch(path, source)
	})
}

// addWatch registers an inotify watch on path.
func (w *Watcher) addWatch(path, source string) error {
	wd, err := unix.InotifyAddWatch(w.fd, path, watchMask)
	if err != nil {
		return fmt.Errorf("unable to watch %s: %w", path, err)
	}
	w.dirs[int32(wd)] = &watchedDir{path: path, source: source}
	return nil
}

// addWatchIfNotExcluded is used for directories discovered after setup via
// an IN_CREATE event (spec.md §4.1 dispatch rule 2, "Directory-create").
func (w *Watcher) addWatchIfNotExcluded(path, source string) {
	if w.isExcluded(path) {
		return
	}
	if err := w.addWatch(path, source); err != nil {
		w.logger.Warnf("unable to watch new directory: %v", err)
	}
}

// Start launches the reader and dispatch goroutines. AddRecursive calls
// must happen before Start.
func (w *Watcher) Start() {
	raw := make(chan rawEvent, rawEventChannelCapacity)
	go w.readLoop(raw)
	go w.run(raw)
}

// Terminate stops the watcher's goroutines and releases its inotify
// instance.
func (w *Watcher) Terminate() error {
	close(w.done)
	return w.inotifyFile.Close()
}

// run is the cooperative single-goroutine dispatch loop described in
// spec.md §4.1's "Emission loop": it interleaves draining the ready queue,
// expiring debounced entries and unpaired move cookies, and awaiting the
// next kernel event.
func (w *Watcher) run(raw <-chan rawEvent) {
	timer := time.NewTimer(time.Hour)
	timeutil.StopAndDrainTimer(timer)
	defer timer.Stop()

	for {
		timeutil.StopAndDrainTimer(timer)
		if deadline, ok := w.nextDeadline(); ok {
			wait := time.Until(deadline)
			if wait < pollFloor {
				wait = pollFloor
			}
			timer.Reset(wait)
		}

		var out chan<- Event
		var front Event
		if len(w.ready) > 0 {
			out = w.events
			front = w.ready[0]
		}

		select {
		case <-w.done:
			return
		case event, ok := <-raw:
			if !ok {
				return
			}
			w.handleRaw(event)
		case <-timer.C:
			w.expireDeadlines()
		case out <- front:
			w.ready = w.ready[1:]
		}
	}
}

// pushReady appends an event to the ready queue for delivery.
func (w *Watcher) pushReady(event Event) {
	w.ready = append(w.ready, event)
}

// nextDeadline returns the earliest of all pending-entry deadlines and
// pending-move expiries, if any exist.
func (w *Watcher) nextDeadline() (time.Time, bool) {
	var nearest time.Time
	has := false
	for _, entry := range w.pending {
		if !has || entry.deadline.Before(nearest) {
			nearest, has = entry.deadline, true
		}
	}
	for _, move := range w.pendingMoves {
		if !has || move.expiry.Before(nearest) {
			nearest, has = move.expiry, true
		}
	}
	return nearest, has
}

// expireDeadlines force-emits every pending entry and pending move whose
// deadline has passed.
func (w *Watcher) expireDeadlines() {
	now := time.Now()
	for id, entry := range w.pending {
		if !entry.deadline.After(now) {
			delete(w.pending, id)
			delete(w.pendingByPath, entry.path)
			w.pushReady(Event{Kind: Modified, Path: entry.path, Source: entry.source})
		}
	}
	for cookie, move := range w.pendingMoves {
		if !move.expiry.After(now) {
			delete(w.pendingMoves, cookie)
			w.pushReady(Event{Kind: Deleted, Path: move.oldPath, Source: move.source})
		}
	}
}

// handleRaw applies the dispatch rules of spec.md §4.1, evaluated in
// order: overflow, directory-create, directory-other, delete, move-from,
// move-to/close-write.
func (w *Watcher) handleRaw(event rawEvent) {
	if event.overflow {
		w.recoverFromOverflow()
		return
	}

	dir, ok := w.dirs[event.wd]
	if !ok {
		return
	}

	path := dir.path
	if event.name != "" {
		path = filepath.Join(dir.path, event.name)
	}
	source := dir.source
	isDir := event.mask&unix.IN_ISDIR != 0

	switch {
	case isDir && event.mask&unix.IN_CREATE != 0:
		w.addWatchIfNotExcluded(path, source)
	case isDir:
		// Directory-other: ignore.
	case event.mask&unix.IN_DELETE != 0:
		w.dropPendingForPath(path)
		w.pushReady(Event{Kind: Deleted, Path: path, Source: source})
	case event.mask&unix.IN_MOVED_FROM != 0:
		w.handleMoveFrom(path, source, event.cookie)
	case event.mask&unix.IN_MOVED_TO != 0:
		w.handleMoveToOrWrite(path, source, event.cookie, true)
	case event.mask&unix.IN_CLOSE_WRITE != 0:
		w.handleMoveToOrWrite(path, source, 0, false)
	}
}

// dropPendingForPath removes any pending debounce entry indexed by path.
func (w *Watcher) dropPendingForPath(path string) {
	if id, ok := w.pendingByPath[path]; ok {
		delete(w.pendingByPath, path)
		delete(w.pending, id)
	}
}

// handleMoveFrom records a pending move under its kernel cookie (spec.md
// §4.1 dispatch rule 5).
func (w *Watcher) handleMoveFrom(path, source string, cookie uint32) {
	var id *filesystem.FileID
	if meta, err := filesystem.Lstat(path); err == nil {
		captured := meta.FileID
		id = &captured
	}
	w.pendingMoves[cookie] = &pendingMove{
		oldPath: path,
		source:  source,
		id:      id,
		expiry:  time.Now().Add(moveExpiry),
	}
	w.dropPendingForPath(path)
}

// handleMoveToOrWrite implements spec.md §4.1 dispatch rule 6 for both
// move-to and close-after-write events: stat the target, consult the skip
// cache, then dispatch according to whether a pending move cookie matches
// and whether the matched inode is identical to the one recorded when the
// MOVED_FROM was seen.
func (w *Watcher) handleMoveToOrWrite(path, source string, cookie uint32, isMove bool) {
	meta, err := filesystem.Lstat(path)
	if err != nil {
		return
	}

	if cached, ok := w.skipCache.Get(meta.FileID); ok && cached.Equal(meta.ChangeTime) {
		return
	}

	if !isMove {
		w.insertOrRefreshPending(meta.FileID, path, source)
		return
	}

	move, matched := w.pendingMoves[cookie]
	if !matched {
		// Moved in from outside the watched tree: treat as modification.
		w.insertOrRefreshPending(meta.FileID, path, source)
		return
	}
	delete(w.pendingMoves, cookie)

	if move.id != nil && *move.id == meta.FileID {
		if _, hasPending := w.pending[meta.FileID]; hasPending {
			w.pushReady(Event{Kind: Deleted, Path: move.oldPath, Source: move.source})
			w.insertOrRefreshPending(meta.FileID, path, source)
		} else {
			w.pushReady(Event{Kind: Renamed, Path: path, OldPath: move.oldPath, Source: source})
		}
		return
	}

	// Different inode: the old path's content is gone, the new path is a
	// fresh file.
	w.pushReady(Event{Kind: Deleted, Path: move.oldPath, Source: move.source})
	w.insertOrRefreshPending(meta.FileID, path, source)
}

// insertOrRefreshPending implements spec.md §4.1's debounce rule: refresh
// an existing entry's deadline and path, or insert a new one, evicting any
// stale path-indexed entry for a different inode and force-expiring the
// oldest entry if the table is at capacity.
func (w *Watcher) insertOrRefreshPending(id filesystem.FileID, path, source string) {
	if entry, ok := w.pending[id]; ok {
		if entry.path != path {
			delete(w.pendingByPath, entry.path)
			w.pendingByPath[path] = id
		}
		entry.path = path
		entry.source = source
		entry.deadline = time.Now().Add(w.debounce)
		return
	}

	if staleID, ok := w.pendingByPath[path]; ok && staleID != id {
		w.forceExpire(staleID)
	}

	if len(w.pending) >= w.maxPending {
		w.expireOldest()
	}

	entry := &pendingEntry{path: path, source: source, deadline: time.Now().Add(w.debounce)}
	w.pending[id] = entry
	w.pendingByPath[path] = id
}

// expireOldest force-emits the pending entry with the nearest deadline,
// bounding memory when the pending table is at capacity (spec.md §3,
// "Pending entry", "capacity default 10 000").
func (w *Watcher) expireOldest() {
	var oldestID filesystem.FileID
	var oldestDeadline time.Time
	found := false
	for id, entry := range w.pending {
		if !found || entry.deadline.Before(oldestDeadline) {
			oldestID, oldestDeadline, found = id, entry.deadline, true
		}
	}
	if found {
		w.forceExpire(oldestID)
	}
}

// forceExpire removes a pending entry and emits its Modified event
// immediately, ahead of its natural deadline.
func (w *Watcher) forceExpire(id filesystem.FileID) {
	entry, ok := w.pending[id]
	if !ok {
		return
	}
	delete(w.pending, id)
	delete(w.pendingByPath, entry.path)
	w.pushReady(Event{Kind: Modified, Path: entry.path, Source: entry.source})
}

// recoverFromOverflow implements spec.md §4.1's overflow recovery: clear
// all pending state, back off, then rescan every registered root.
func (w *Watcher) recoverFromOverflow() {
	w.pending = make(map[filesystem.FileID]*pendingEntry)
	w.pendingByPath = make(map[string]filesystem.FileID)
	w.pendingMoves = make(map[uint32]*pendingMove)
	w.ready = nil

	now := time.Now()
	if w.lastOverflow.IsZero() || now.Sub(w.lastOverflow) > overflowResetWindow {
		w.overflowBackoff = overflowBaseBackoff
	} else if w.overflowBackoff == 0 {
		w.overflowBackoff = overflowBaseBackoff
	} else {
		w.overflowBackoff *= 2
		if w.overflowBackoff > overflowMaxBackoff {
			w.overflowBackoff = overflowMaxBackoff
		}
	}
	w.lastOverflow = now
	backoff := w.overflowBackoff

	w.logger.Warnf("inotify queue overflow, recovering (backoff=%s)", backoff)
	time.Sleep(backoff)

	for _, root := range w.root {
		w.rescanRoot(root)
	}
}

// rescanRoot walks root depth-first, skipping excludes and symbolic-link
// directories, enqueueing every regular non-symlink file as though it had
// just been modified (spec.md §4.1, "Overflow recovery").
func (w *Watcher) rescanRoot(root rootEntry) {
	err := filepath.WalkDir(root.path, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if path != root.path && w.isExcluded(path) {
				return filepath.SkipDir
			}
			if entry.Type()&os.ModeSymlink != 0 {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Type()&os.ModeSymlink != 0 || !entry.Type().IsRegular() {
			return nil
		}
		meta, err := filesystem.Lstat(path)
		if err != nil {
			return nil
		}
		w.insertOrRefreshPending(meta.FileID, path, root.source)
		return nil
	})
	if err != nil {
		w.logger.Warnf("rescan of %s failed: %v", root.path, err)
	}
}
