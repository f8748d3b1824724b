package filesystem

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// OpenRegularNoFollow opens path for reading, refusing to follow a trailing
// symbolic link and refusing anything other than a regular file. This is
// the open discipline spec.md §4.2 step 2 requires ("Open the file with
// symlinks refused and read-only, verify it is a regular file").
func OpenRegularNoFollow(path string) (*os.File, *Metadata, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to open file")
	}
	file := os.NewFile(uintptr(fd), path)

	metadata, err := FstatFile(file)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if !metadata.IsRegular() {
		file.Close()
		return nil, nil, errors.New("not a regular file")
	}

	return file, metadata, nil
}
