// Package channel implements the per-channel policy described in spec.md
// §4.2: ignore filtering, staging, scan dispatch, reflink propagation to
// peers and export, quarantine, and the diode rule. It is the consumer of
// every other package in this module (watching, scanner, notifier,
// usernotify, filesystem) and is grounded on the teacher's atomic-install
// idiom generalized from "write bytes" to "clone bytes".
package channel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/config"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/filesystem"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/must"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/notifier"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/scanner"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/usernotify"
)

// Handler applies a single channel's policy to the events its watcher
// emits for that channel's producer subtrees.
type Handler struct {
	Name     string
	Config   *config.Channel
	Scanner  *scanner.Client
	Notifier *notifier.Notifier
	User     *usernotify.Client
	Logger   *logging.Logger

	// NoScan forces every file on this channel to be treated as Clean
	// without contacting the scanner (the daemon-wide --no-scan override,
	// spec.md §6/§12).
	NoScan bool

	// RecordSkip is called with the (device,inode) and ctime of every
	// copy the handler installs, so the watcher that owns that
	// destination's skip cache can suppress the self-generated event.
	// It is nil-safe for installs onto trees nobody is watching (export).
	RecordSkip func(filesystem.FileID, time.Time)
}

// Preflight runs the channel's pre-flight self-test (spec.md §4.2): reflink
// support from staging to every destination, and CAP_CHOWN. A failing
// channel must be disabled entirely while peers keep running (spec.md §7).
func (h *Handler) Preflight() error {
	destinations := make([]string, 0, len(h.Config.Producers)+2)
	for _, producer := range h.Config.Producers {
		destinations = append(destinations, h.Config.SharePath(producer))
	}
	if len(h.Config.Consumers) > 0 {
		destinations = append(destinations, h.Config.ExportPath())
	}
	if h.Config.Scanning.InfectedAction == config.InfectedActionQuarantine {
		destinations = append(destinations, h.Config.QuarantinePath())
	}

	if err := os.MkdirAll(h.Config.StagingPath(), 0755); err != nil {
		return fmt.Errorf("unable to create staging directory: %w", err)
	}
	if err := filesystem.VerifyReflinkCapable(h.Config.StagingPath(), destinations); err != nil {
		return err
	}
	if err := filesystem.EnsureChownCapability(); err != nil {
		return err
	}

	h.Logger.Infof("channel '%s': FICLONE verified, CAP_CHOWN verified", h.Name)
	return nil
}

// relativePath strips source's share prefix from path and applies the
// path-traversal guard from spec.md §4.2 step 1. ok is false if the event
// should be dropped.
func (h *Handler) relativePath(path, source string) (string, bool) {
	prefix := h.Config.SharePath(source) + string(filepath.Separator)
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rel := strings.TrimPrefix(path, prefix)

	if filepath.IsAbs(rel) {
		return "", false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == ".." {
			return "", false
		}
	}
	return rel, true
}

// ignored reports whether rel (and its filename) match any of the
// channel's ignore patterns (spec.md §4.2 step 1: substring, not glob).
func (h *Handler) ignored(rel string) bool {
	name := filepath.Base(rel)
	for _, pattern := range h.Config.Scanning.IgnoreFilePatterns {
		if strings.Contains(name, pattern) {
			return true
		}
	}
	for _, pattern := range h.Config.Scanning.IgnorePathPatterns {
		if strings.Contains(rel, pattern) {
			return true
		}
	}
	return false
}

// HandleModified implements spec.md §4.2's per-event algorithm for a
// Modified(path, source) event.
func (h *Handler) HandleModified(path, source string) {
	rel, ok := h.relativePath(path, source)
	if !ok {
		return
	}
	if h.ignored(rel) {
		return
	}

	file, metadata, err := filesystem.OpenRegularNoFollow(path)
	if err != nil {
		h.Logger.Debugf("channel '%s': unable to open %s: %v", h.Name, rel, err)
		return
	}
	defer file.Close()

	h.Logger.Infof("channel '%s': processing %s (from %s)", h.Name, rel, source)

	staged, err := h.stage(file)
	if err != nil {
		h.Logger.Warnf("channel '%s': unable to stage %s: %v", h.Name, rel, err)
		return
	}
	defer func() {
		staged.Close()
		must.OSRemove(staged.Name(), h.Logger)
	}()

	verdict := h.scan(staged, metadata, rel)
	h.act(verdict, staged, metadata, rel, source)
}

// stage creates a temporary file in the channel's staging directory and
// clones source's content into it (spec.md §4.2 step 3).
func (h *Handler) stage(source *os.File) (*os.File, error) {
	staged, err := os.CreateTemp(h.Config.StagingPath(), filesystem.TemporaryNamePrefix+"stage")
	if err != nil {
		return nil, fmt.Errorf("unable to create staging file: %w", err)
	}

	if _, err := source.Seek(0, 0); err != nil {
		staged.Close()
		must.OSRemove(staged.Name(), h.Logger)
		return nil, fmt.Errorf("unable to seek source: %w", err)
	}

	if err := filesystem.CloneFile(source, staged); err != nil {
		staged.Close()
		must.OSRemove(staged.Name(), h.Logger)
		return nil, err
	}

	return staged, nil
}

// scanVerdict wraps the scanner.Result that scan reached. act downgrades an
// Error verdict to Clean on a permissive channel, or upgrades it to
// Infected with the "error" pseudo-signature on a strict one.
type scanVerdict struct {
	result scanner.Result
}

// scan implements spec.md §4.2 step 4: skip scanning for an empty file or
// a scanning-disabled/--no-scan channel, otherwise dispatch to the
// scanner by descriptor passing.
func (h *Handler) scan(staged *os.File, metadata *filesystem.Metadata, rel string) scanVerdict {
	if metadata.Size == 0 || !h.Config.Scanning.Enable || h.NoScan {
		return scanVerdict{result: scanner.Result{Verdict: scanner.Clean}}
	}

	result, err := h.Scanner.ScanFile(staged, rel)
	if err != nil {
		h.Logger.Warnf("channel '%s': scanner error for %s: %v", h.Name, rel, err)
		return scanVerdict{result: scanner.Result{Verdict: scanner.Error}}
	}
	return scanVerdict{result: result}
}

// act implements spec.md §4.2 step 5: react to the verdict by publishing,
// quarantining, or deleting, then signal the notifier if anything changed.
func (h *Handler) act(verdict scanVerdict, staged *os.File, metadata *filesystem.Metadata, rel, source string) {
	result := verdict.result

	if result.Verdict == scanner.Error {
		// spec.md §4.2 step 5: in either case (permissive or not) the user
		// socket is notified of the scan error.
		h.User.NotifyError(rel, "scan error")
		if h.Config.Scanning.Permissive {
			h.Logger.Infof("channel '%s': %s scan error treated as clean (permissive)", h.Name, rel)
			result = scanner.Result{Verdict: scanner.Clean}
		} else {
			result = scanner.Result{Verdict: scanner.Infected, Signature: "error"}
		}
	}

	switch result.Verdict {
	case scanner.Clean:
		h.Logger.Infof("channel '%s': clean %s", h.Name, rel)
		changed := h.publish(staged, metadata, rel, source)
		if changed {
			h.Notifier.Notify(h.Name)
		}
	case scanner.Infected:
		h.Logger.Infof("channel '%s': infected %s (%s)", h.Name, rel, result.Signature)
		if result.Signature != "error" {
			h.User.NotifyInfected(rel, result.Signature)
		}
		h.handleInfected(staged, rel, source, result.Signature)
		h.Notifier.Notify(h.Name)
	case scanner.NotFound:
		h.Logger.Debugf("channel '%s': %s vanished before scan", h.Name, rel)
	}
}

// publish installs the staged clone at every eligible destination
// (spec.md §4.2 step 5, Clean branch, plus the diode rule). It returns
// whether any copy was installed.
func (h *Handler) publish(staged *os.File, metadata *filesystem.Metadata, rel, source string) bool {
	permissions := filesystem.PublishPermissions(metadata.Mode)
	installed := false

	for _, destDir := range h.destinations(source) {
		destPath := filepath.Join(destDir, rel)

		if h.Config.IsDiode(source) {
			if _, err := os.Lstat(destPath); err == nil {
				continue
			}
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			h.Logger.Warnf("channel '%s': unable to create destination directory for %s: %v", h.Name, rel, err)
			continue
		}

		if err := filesystem.InstallAtomic(staged, destPath, permissions, int(metadata.UID), int(metadata.GID), metadata.ModificationTime, h.Logger); err != nil {
			h.Logger.Warnf("channel '%s': unable to install %s: %v", h.Name, destPath, err)
			continue
		}

		h.recordSkipFor(destPath)
		h.Logger.Infof("channel '%s': propagated %s", h.Name, destPath)
		installed = true
	}

	return installed
}

// destinations returns every directory that should receive a published
// copy when source publishes: peers' share subtrees, and export if the
// channel has consumers.
func (h *Handler) destinations(source string) []string {
	dirs := make([]string, 0, len(h.Config.Producers))
	for _, peer := range h.Config.Peers(source) {
		dirs = append(dirs, h.Config.SharePath(peer))
	}
	if len(h.Config.Consumers) > 0 {
		dirs = append(dirs, h.Config.ExportPath())
	}
	return dirs
}

// recordSkipFor enters the installed copy's (device,inode,ctime) into the
// skip cache, so the corresponding watcher suppresses its own event.
func (h *Handler) recordSkipFor(path string) {
	if h.RecordSkip == nil {
		return
	}
	metadata, err := filesystem.Lstat(path)
	if err != nil {
		return
	}
	h.RecordSkip(metadata.FileID, metadata.ChangeTime)
}

// handleInfected implements spec.md §4.2 step 5's Infected branch: log,
// delete, or quarantine-then-delete, falling back to delete if the
// quarantine install fails.
func (h *Handler) handleInfected(staged *os.File, rel, source, signature string) {
	switch h.Config.Scanning.InfectedAction {
	case config.InfectedActionLog:
		return
	case config.InfectedActionQuarantine:
		if h.quarantine(staged, rel) {
			h.deleteSource(rel, source)
			return
		}
		h.Logger.Warnf("channel '%s': quarantine install failed for %s, falling back to delete", h.Name, rel)
		h.deleteSource(rel, source)
	default:
		h.deleteSource(rel, source)
	}
}

// quarantine installs a clone of the already-scanned staged file at
// quarantine/<relative> with mode 000 and owner root:root. It clones from
// staged rather than reopening the live source path, so the bytes
// quarantined are exactly the bytes that were scanned — never rescanning
// or re-reading the live source after the verdict (spec.md §4.2's
// installation invariant, §9 "Scan-then-publish without TOCTOU"). Any
// failure is reported to the caller so it can fall back to delete.
func (h *Handler) quarantine(staged *os.File, rel string) bool {
	destPath := filepath.Join(h.Config.QuarantinePath(), rel)
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return false
	}

	if err := filesystem.InstallQuarantine(staged, destPath, h.Logger); err != nil {
		h.Logger.Warnf("channel '%s': quarantine install error: %v", h.Name, err)
		return false
	}
	h.Logger.Infof("channel '%s': quarantined %s", h.Name, rel)
	return true
}

// deleteSource removes the source file from its producer's share subtree.
func (h *Handler) deleteSource(rel, source string) {
	sourcePath := filepath.Join(h.Config.SharePath(source), rel)
	if err := os.Remove(sourcePath); err != nil && !os.IsNotExist(err) {
		h.Logger.Warnf("channel '%s': unable to delete %s: %v", h.Name, sourcePath, err)
	}
}

// HandleDeleted implements spec.md §4.2's deletion propagation: remove rel
// from every peer and export, ignoring missing files.
func (h *Handler) HandleDeleted(path, source string) {
	rel, ok := h.relativePath(path, source)
	if !ok || h.ignored(rel) {
		return
	}

	h.Logger.Infof("channel '%s': deleted %s (from %s)", h.Name, rel, source)

	changed := false
	for _, destDir := range h.destinations(source) {
		destPath := filepath.Join(destDir, rel)
		if err := os.Remove(destPath); err != nil {
			if !os.IsNotExist(err) {
				h.Logger.Warnf("channel '%s': unable to remove %s: %v", h.Name, destPath, err)
			}
			continue
		}
		changed = true
	}

	if changed {
		h.Notifier.Notify(h.Name)
	}
}

// HandleRenamed implements spec.md §4.2's rename propagation: delete old
// from peers/export, then install new exactly as in the Clean branch,
// without rescanning.
func (h *Handler) HandleRenamed(newPath, oldPath, source string) {
	oldRel, oldOK := h.relativePath(oldPath, source)
	newRel, newOK := h.relativePath(newPath, source)
	if !newOK {
		return
	}
	if h.ignored(newRel) {
		return
	}

	h.Logger.Infof("channel '%s': renamed %s -> %s (from %s)", h.Name, oldRel, newRel, source)

	if oldOK && !h.ignored(oldRel) {
		for _, destDir := range h.destinations(source) {
			destPath := filepath.Join(destDir, oldRel)
			if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
				h.Logger.Warnf("channel '%s': unable to remove %s: %v", h.Name, destPath, err)
			}
		}
	}

	file, metadata, err := filesystem.OpenRegularNoFollow(newPath)
	if err != nil {
		h.Logger.Debugf("channel '%s': unable to open renamed file %s: %v", h.Name, newRel, err)
		return
	}
	defer file.Close()

	changed := h.publish(file, metadata, newRel, source)
	if changed {
		h.Notifier.Notify(h.Name)
	}
}
