// Package buildinfo exposes version and debug-mode information shared across
// all of the gate/vproxy/vclient/vnotify binaries.
package buildinfo

import "fmt"

const (
	// VersionMajor is the current major version.
	VersionMajor = 0
	// VersionMinor is the current minor version.
	VersionMinor = 1
	// VersionPatch is the current patch version.
	VersionPatch = 0
)

// Version is the dotted version string computed from the version
// components above.
var Version string

func init() {
	Version = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
}
