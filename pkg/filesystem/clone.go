package filesystem

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// CloneFile performs a copy-on-write clone of source into an already-open,
// empty destination file using the FICLONE ioctl (btrfs, XFS with reflink
// support, and overlayfs-on-such-filesystems all implement it). Both files
// remain independently mutable afterward; this is the zero-copy snapshot
// spec.md §4.2 step 3 and §9 describe as replacing "scan the live path"
// with "scan an immutable snapshot handle".
func CloneFile(source *os.File, destination *os.File) error {
	if err := unix.IoctlFileClone(int(destination.Fd()), int(source.Fd())); err != nil {
		return errors.Wrap(err, "FICLONE ioctl failed")
	}
	return nil
}

// CloneSupported probes whether cloning from source into a throwaway file in
// destinationDir succeeds, used by the channel pre-flight self-test (spec.md
// §4.2: "fail if cloning cannot be performed from staging to every producer
// subtree, the export directory and the quarantine directory").
func CloneSupported(source *os.File, destinationDir string) error {
	probe, err := os.CreateTemp(destinationDir, TemporaryNamePrefix+"clone-probe")
	if err != nil {
		return errors.Wrap(err, "unable to create clone probe file")
	}
	defer func() {
		probe.Close()
		os.Remove(probe.Name())
	}()

	if _, err := source.Seek(0, 0); err != nil {
		return errors.Wrap(err, "unable to seek source file")
	}

	return CloneFile(source, probe)
}
