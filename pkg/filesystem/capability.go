package filesystem

import (
	"github.com/pkg/errors"
	"github.com/syndtr/gocapability/capability"
)

// EnsureChownCapability verifies that the running process can change file
// ownership, either because it is running as root or because it holds
// CAP_CHOWN. The channel pre-flight self-test (spec.md §4.2) fails a
// channel outright if this capability is missing, since publishing always
// applies the source file's ownership to every destination copy.
func EnsureChownCapability() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return errors.Wrap(err, "unable to inspect process capabilities")
	}
	if err := caps.Load(); err != nil {
		return errors.Wrap(err, "unable to load process capabilities")
	}
	if !caps.Get(capability.EFFECTIVE, capability.CAP_CHOWN) {
		return errors.New("process lacks CAP_CHOWN")
	}
	return nil
}
