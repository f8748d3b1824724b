// Package syncpass implements the channel startup reconciliation described
// in spec.md §4.3: before a channel's watcher attaches, every producer's
// subtree and the export subtree are walked and compared so that the
// channel begins watching from a consistent state, exactly as if every
// disagreement had just been written by a live event. It is grounded on
// original_source's gate/sync.rs, whose retrieved fragment confirms the
// pass operates against a ChannelConfig and drives the same EventHandler
// the live watcher drives — reused here as channel.Handler.
package syncpass

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/channel"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/config"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
)

// entry is one producer's observation of a relative path.
type entry struct {
	producer string
	modTime  time.Time
	size     int64
}

// Run performs the startup reconciliation for a single channel (spec.md
// §4.3). It must be called before the channel's watcher begins receiving
// events, since the synthetic events it emits against handler would
// otherwise race with live ones.
func Run(cfg *config.Channel, handler *channel.Handler, logger *logging.Logger) error {
	byPath := make(map[string][]entry)
	for _, producer := range cfg.Producers {
		if err := walkSubtree(cfg.SharePath(producer), func(rel string, info fs.FileInfo) {
			byPath[rel] = append(byPath[rel], entry{
				producer: producer,
				modTime:  info.ModTime(),
				size:     info.Size(),
			})
		}); err != nil {
			return err
		}
	}

	exportPaths := make(map[string]entry)
	if len(cfg.Consumers) > 0 {
		if err := walkSubtree(cfg.ExportPath(), func(rel string, info fs.FileInfo) {
			exportPaths[rel] = entry{modTime: info.ModTime(), size: info.Size()}
		}); err != nil {
			return err
		}
	}

	reconciled := 0
	for rel, entries := range byPath {
		authoritative := latest(entries)
		if needsReconciliation(entries, len(cfg.Producers), exportPaths, rel) {
			path := filepath.Join(cfg.SharePath(authoritative.producer), rel)
			handler.HandleModified(path, authoritative.producer)
			reconciled++
		}
	}

	removed := 0
	for rel := range exportPaths {
		if _, ok := byPath[rel]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(cfg.ExportPath(), rel)); err != nil {
			logger.Warnf("channel '%s': unable to remove orphaned export path %s: %v", cfg.Name, rel, err)
			continue
		}
		removed++
	}

	logger.Infof("channel '%s': sync pass reconciled %d path(s), removed %d orphaned export path(s)", cfg.Name, reconciled, removed)
	return nil
}

// needsReconciliation reports whether rel requires a synthetic Modified
// event: producers disagree on (mtime, size), a producer lacks the file,
// or export is absent or disagrees with the authoritative entry.
func needsReconciliation(entries []entry, producerCount int, exportPaths map[string]entry, rel string) bool {
	if len(entries) != producerCount {
		return true
	}

	first := entries[0]
	for _, e := range entries[1:] {
		if !e.modTime.Equal(first.modTime) || e.size != first.size {
			return true
		}
	}

	exportEntry, ok := exportPaths[rel]
	if !ok {
		return true
	}
	authoritative := latest(entries)
	return !exportEntry.modTime.Equal(authoritative.modTime) || exportEntry.size != authoritative.size
}

// latest returns the entry with the latest modification time; ties break
// on producer name for determinism.
func latest(entries []entry) entry {
	best := entries[0]
	for _, e := range entries[1:] {
		if e.modTime.After(best.modTime) || (e.modTime.Equal(best.modTime) && e.producer < best.producer) {
			best = e
		}
	}
	return best
}

// walkSubtree walks root, invoking visit with the path relative to root
// for every regular file found. A missing root is treated as empty.
func walkSubtree(root string, visit func(rel string, info fs.FileInfo)) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		visit(rel, info)
		return nil
	})
}
