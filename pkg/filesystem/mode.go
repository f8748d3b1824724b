package filesystem

import "golang.org/x/sys/unix"

// Mode is the raw file mode as reported by stat(2), not the reinterpreted
// os.FileMode bit layout. It is used so that publishing can mask exactly
// the bits spec.md §4.2 names (the low nine permission bits) without
// translating through os.FileMode's different bit assignments.
type Mode uint32

const (
	// ModeTypeMask isolates the file-type bits from a Mode.
	ModeTypeMask = Mode(unix.S_IFMT)
	// ModeTypeDirectory identifies a directory.
	ModeTypeDirectory = Mode(unix.S_IFDIR)
	// ModeTypeFile identifies a regular file.
	ModeTypeFile = Mode(unix.S_IFREG)
	// ModeTypeSymbolicLink identifies a symbolic link.
	ModeTypeSymbolicLink = Mode(unix.S_IFLNK)

	// ModePermissionsMask isolates the low nine permission bits (owner,
	// group, other read/write/execute) from a Mode, the mask spec.md §4.2
	// requires when publishing: "source mode masked to the low nine bits,
	// dropping any setuid/setgid/sticky bits".
	ModePermissionsMask = Mode(unix.S_IRWXU | unix.S_IRWXG | unix.S_IRWXO)
)

// PublishPermissions computes the permission bits that InstallAtomic should
// apply to a published copy: the source's low nine bits, with setuid,
// setgid, and sticky always cleared regardless of the source.
func PublishPermissions(source Mode) Mode {
	return source & ModePermissionsMask
}
