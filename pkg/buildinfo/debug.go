package buildinfo

import "os"

// DebugEnabled controls whether debug-level logging is enabled across the
// daemon and its companion binaries. It is set automatically based on the
// GHAF_GATE_DEBUG environment variable but can also be forced on by any
// binary's --debug flag via SetDebug.
var DebugEnabled bool

func init() {
	DebugEnabled = os.Getenv("GHAF_GATE_DEBUG") == "1"
}

// SetDebug forces debug mode on, used by --debug CLI flags.
func SetDebug(enabled bool) {
	if enabled {
		DebugEnabled = true
	}
}
