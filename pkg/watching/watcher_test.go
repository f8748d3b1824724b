package watching

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/filesystem"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
)

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := New(logging.RootLogger, Config{Debounce: 50 * time.Millisecond})
	if err != nil {
		t.Fatal("unable to create watcher:", err)
	}
	t.Cleanup(func() { w.Terminate() })
	return w
}

func TestInsertOrRefreshPendingNewEntry(t *testing.T) {
	w := newTestWatcher(t)
	id := filesystem.FileID{Device: 1, Inode: 1}

	w.insertOrRefreshPending(id, "/a/b", "vm1")

	entry, ok := w.pending[id]
	if !ok {
		t.Fatal("expected pending entry to be created")
	}
	if entry.path != "/a/b" || entry.source != "vm1" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if w.pendingByPath["/a/b"] != id {
		t.Error("pendingByPath not indexed")
	}
}

func TestInsertOrRefreshPendingRefreshesDeadline(t *testing.T) {
	w := newTestWatcher(t)
	id := filesystem.FileID{Device: 1, Inode: 1}

	w.insertOrRefreshPending(id, "/a/b", "vm1")
	first := w.pending[id].deadline

	time.Sleep(5 * time.Millisecond)
	w.insertOrRefreshPending(id, "/a/b", "vm1")
	second := w.pending[id].deadline

	if !second.After(first) {
		t.Error("expected deadline to be refreshed forward")
	}
	if len(w.pending) != 1 {
		t.Errorf("expected exactly one pending entry, got %d", len(w.pending))
	}
}

func TestInsertOrRefreshPendingPathMoveEvictsStaleInode(t *testing.T) {
	w := newTestWatcher(t)
	oldID := filesystem.FileID{Device: 1, Inode: 1}
	newID := filesystem.FileID{Device: 1, Inode: 2}

	w.insertOrRefreshPending(oldID, "/a/b", "vm1")
	w.insertOrRefreshPending(newID, "/a/b", "vm1")

	if _, ok := w.pending[oldID]; ok {
		t.Error("expected stale inode's pending entry to be evicted")
	}
	if _, ok := w.pending[newID]; !ok {
		t.Error("expected new inode's pending entry to exist")
	}
	if len(w.ready) != 1 || w.ready[0].Kind != Modified || w.ready[0].Path != "/a/b" {
		t.Errorf("expected force-expired Modified event, got %+v", w.ready)
	}
}

func TestInsertOrRefreshPendingCapacityEviction(t *testing.T) {
	w := newTestWatcher(t)
	w.maxPending = 2

	w.insertOrRefreshPending(filesystem.FileID{Device: 1, Inode: 1}, "/a", "vm1")
	time.Sleep(time.Millisecond)
	w.insertOrRefreshPending(filesystem.FileID{Device: 1, Inode: 2}, "/b", "vm1")
	time.Sleep(time.Millisecond)
	w.insertOrRefreshPending(filesystem.FileID{Device: 1, Inode: 3}, "/c", "vm1")

	if len(w.pending) != 2 {
		t.Errorf("expected pending table capped at 2, got %d", len(w.pending))
	}
	if len(w.ready) != 1 {
		t.Fatalf("expected one forced eviction, got %d", len(w.ready))
	}
	if w.ready[0].Path != "/a" {
		t.Errorf("expected the earliest-deadline entry to be evicted, got %q", w.ready[0].Path)
	}
}

func TestForceExpireEmitsModified(t *testing.T) {
	w := newTestWatcher(t)
	id := filesystem.FileID{Device: 1, Inode: 1}
	w.insertOrRefreshPending(id, "/a/b", "vm1")

	w.forceExpire(id)

	if _, ok := w.pending[id]; ok {
		t.Error("expected entry to be removed")
	}
	if len(w.ready) != 1 || w.ready[0].Kind != Modified {
		t.Errorf("expected Modified event, got %+v", w.ready)
	}
}

func TestExpireDeadlinesPendingEntry(t *testing.T) {
	w := newTestWatcher(t)
	w.debounce = time.Millisecond
	id := filesystem.FileID{Device: 1, Inode: 1}
	w.insertOrRefreshPending(id, "/a/b", "vm1")

	time.Sleep(5 * time.Millisecond)
	w.expireDeadlines()

	if len(w.pending) != 0 {
		t.Error("expected pending entry to expire")
	}
	if len(w.ready) != 1 || w.ready[0].Kind != Modified {
		t.Errorf("expected Modified event, got %+v", w.ready)
	}
}

func TestExpireDeadlinesUnpairedMove(t *testing.T) {
	w := newTestWatcher(t)
	w.pendingMoves[42] = &pendingMove{oldPath: "/a/old", source: "vm1", expiry: time.Now().Add(-time.Millisecond)}

	w.expireDeadlines()

	if len(w.pendingMoves) != 0 {
		t.Error("expected pending move to expire")
	}
	if len(w.ready) != 1 || w.ready[0].Kind != Deleted || w.ready[0].Path != "/a/old" {
		t.Errorf("expected Deleted event for unpaired move, got %+v", w.ready)
	}
}

func TestHandleMoveToPairedSameInodeNoRescan(t *testing.T) {
	w := newTestWatcher(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	if err := os.WriteFile(path, []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	meta, err := filesystem.Lstat(path)
	if err != nil {
		t.Fatal(err)
	}
	w.pendingMoves[7] = &pendingMove{oldPath: "/old/path", source: "vm1", id: &meta.FileID, expiry: time.Now().Add(time.Minute)}

	w.handleMoveToOrWrite(path, "vm1", 7, true)

	if len(w.ready) != 1 || w.ready[0].Kind != Renamed {
		t.Fatalf("expected a single Renamed event, got %+v", w.ready)
	}
	if w.ready[0].Path != path || w.ready[0].OldPath != "/old/path" {
		t.Errorf("unexpected rename event: %+v", w.ready[0])
	}
	if _, ok := w.pending[meta.FileID]; ok {
		t.Error("a pure rename should not create a pending modification")
	}
}

func TestHandleMoveToDifferentInodeEmitsDeleteAndPending(t *testing.T) {
	w := newTestWatcher(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	if err := os.WriteFile(path, []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	fakeID := filesystem.FileID{Device: 999, Inode: 999}
	w.pendingMoves[7] = &pendingMove{oldPath: "/old/path", source: "vm1", id: &fakeID, expiry: time.Now().Add(time.Minute)}

	w.handleMoveToOrWrite(path, "vm1", 7, true)

	foundDelete := false
	for _, e := range w.ready {
		if e.Kind == Deleted && e.Path == "/old/path" {
			foundDelete = true
		}
	}
	if !foundDelete {
		t.Errorf("expected Deleted event for old path, got %+v", w.ready)
	}
	meta, _ := filesystem.Lstat(path)
	if _, ok := w.pending[meta.FileID]; !ok {
		t.Error("expected new path to be tracked as pending")
	}
}

func TestHandleMoveToSkipCacheSuppression(t *testing.T) {
	w := newTestWatcher(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	if err := os.WriteFile(path, []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	meta, err := filesystem.Lstat(path)
	if err != nil {
		t.Fatal(err)
	}
	w.RecordSkip(meta.FileID, meta.ChangeTime)

	w.handleMoveToOrWrite(path, "vm1", 0, false)

	if len(w.ready) != 0 {
		t.Errorf("expected skip-cached file to be suppressed, got %+v", w.ready)
	}
	if _, ok := w.pending[meta.FileID]; ok {
		t.Error("expected skip-cached file not to be tracked as pending")
	}
}

func TestRecoverFromOverflowClearsState(t *testing.T) {
	w := newTestWatcher(t)
	w.pending[filesystem.FileID{Device: 1, Inode: 1}] = &pendingEntry{path: "/a", source: "vm1", deadline: time.Now()}
	w.pendingByPath["/a"] = filesystem.FileID{Device: 1, Inode: 1}
	w.pendingMoves[1] = &pendingMove{oldPath: "/b", source: "vm1", expiry: time.Now()}
	w.ready = append(w.ready, Event{Kind: Modified, Path: "/stale"})
	w.overflowBackoff = overflowBaseBackoff

	w.recoverFromOverflow()

	if len(w.pending) != 0 || len(w.pendingByPath) != 0 || len(w.pendingMoves) != 0 || len(w.ready) != 0 {
		t.Error("expected all pending state to be cleared on overflow recovery")
	}
}

func TestRecoverFromOverflowBacksOffExponentially(t *testing.T) {
	w := newTestWatcher(t)
	w.lastOverflow = time.Now()
	w.overflowBackoff = overflowBaseBackoff

	w.recoverFromOverflow()

	if w.overflowBackoff != overflowBaseBackoff*2 {
		t.Errorf("expected backoff to double to %s, got %s", overflowBaseBackoff*2, w.overflowBackoff)
	}
}

func TestIsExcluded(t *testing.T) {
	w := newTestWatcher(t)
	w.excludes = []string{"/a/excluded"}

	if !w.isExcluded("/a/excluded") {
		t.Error("expected exact match to be excluded")
	}
	if !w.isExcluded("/a/excluded/child") {
		t.Error("expected subtree to be excluded")
	}
	if w.isExcluded("/a/excludedsibling") {
		t.Error("did not expect prefix-only match to be excluded")
	}
	if w.isExcluded("/a/other") {
		t.Error("did not expect unrelated path to be excluded")
	}
}

func TestAddRecursiveSkipsExcludedSubtree(t *testing.T) {
	w := newTestWatcher(t)
	root := t.TempDir()
	excluded := filepath.Join(root, "skip")
	kept := filepath.Join(root, "keep")
	if err := os.MkdirAll(filepath.Join(excluded, "nested"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(kept, 0755); err != nil {
		t.Fatal(err)
	}
	w.excludes = []string{excluded}

	if err := w.AddRecursive(root, "vm1"); err != nil {
		t.Fatal(err)
	}

	for _, dir := range w.dirs {
		if dir.path == excluded || dir.path == filepath.Join(excluded, "nested") {
			t.Errorf("expected %s not to be watched", dir.path)
		}
	}
	found := false
	for _, dir := range w.dirs {
		if dir.path == kept {
			found = true
		}
	}
	if !found {
		t.Error("expected kept directory to be watched")
	}
}
