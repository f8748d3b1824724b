package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/must"
)

// InstallAtomic clones source's content into destinationPath, applying the
// given permission bits, ownership, and modification time, then renaming
// the clone over any existing file at that path. This is the "atomic
// install" of spec.md's glossary: create-in-same-directory, clone content,
// set metadata, rename-over-target, so that a reader sees either the old
// file or the new file and never a partial write. It generalizes the
// teacher's WriteFileAtomic (write bytes + rename) to "clone instead of
// write".
//
// modTime is stamped onto the installed copy so that it matches the
// source's own modification time rather than the instant of installation;
// otherwise every publish would give its destinations a new "now" mtime,
// and pkg/syncpass's (mtime, size) agreement check would never converge
// (spec.md §8, "Sync pass is idempotent"). A zero modTime leaves the
// kernel-assigned creation time in place, which is fine for destinations
// nothing compares timestamps against (e.g. quarantine).
func InstallAtomic(source *os.File, destinationPath string, permissions Mode, uid, gid int, modTime time.Time, logger *logging.Logger) error {
	destinationDir := filepath.Dir(destinationPath)

	temporary, err := os.CreateTemp(destinationDir, TemporaryNamePrefix+"install")
	if err != nil {
		return fmt.Errorf("unable to create temporary file: %w", err)
	}
	temporaryPath := temporary.Name()

	if _, err := source.Seek(0, 0); err != nil {
		must.Close(temporary, logger)
		must.OSRemove(temporaryPath, logger)
		return fmt.Errorf("unable to seek source file: %w", err)
	}

	if err := CloneFile(source, temporary); err != nil {
		must.Close(temporary, logger)
		must.OSRemove(temporaryPath, logger)
		return fmt.Errorf("unable to clone file content: %w", err)
	}

	if err := temporary.Chmod(os.FileMode(permissions)); err != nil {
		must.Close(temporary, logger)
		must.OSRemove(temporaryPath, logger)
		return fmt.Errorf("unable to set permissions: %w", err)
	}

	if err := temporary.Chown(uid, gid); err != nil {
		must.Close(temporary, logger)
		must.OSRemove(temporaryPath, logger)
		return fmt.Errorf("unable to set ownership: %w", err)
	}

	if err := temporary.Close(); err != nil {
		must.OSRemove(temporaryPath, logger)
		return fmt.Errorf("unable to close temporary file: %w", err)
	}

	if !modTime.IsZero() {
		if err := os.Chtimes(temporaryPath, modTime, modTime); err != nil {
			must.OSRemove(temporaryPath, logger)
			return fmt.Errorf("unable to set modification time: %w", err)
		}
	}

	if err := os.Rename(temporaryPath, destinationPath); err != nil {
		must.OSRemove(temporaryPath, logger)
		return fmt.Errorf("unable to rename into place: %w", err)
	}

	return nil
}

// InstallQuarantine installs source at destinationPath with mode 000 and
// owner root:root, matching spec.md §4.2's quarantine install rule and the
// glossary's "Quarantine" entry. Its modification time is left as the
// kernel assigns it: nothing compares timestamps on quarantined copies.
func InstallQuarantine(source *os.File, destinationPath string, logger *logging.Logger) error {
	return InstallAtomic(source, destinationPath, Mode(0), 0, 0, time.Time{}, logger)
}
