package filesystem

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// VerifyReflinkCapable confirms that staging and every directory in
// destinations live on a filesystem that supports reflink cloning, by
// staging a small probe file and attempting to clone it into each
// destination. This is the channel pre-flight self-test from spec.md §4.2:
// "fail if cloning cannot be performed from staging to every producer
// subtree, the export directory and the quarantine directory."
func VerifyReflinkCapable(stagingDir string, destinations []string) error {
	probe, err := os.CreateTemp(stagingDir, TemporaryNamePrefix+"preflight")
	if err != nil {
		return errors.Wrap(err, "unable to create preflight probe in staging")
	}
	probePath := probe.Name()
	defer func() {
		probe.Close()
		os.Remove(probePath)
	}()

	if _, err := probe.Write([]byte("preflight")); err != nil {
		return errors.Wrap(err, "unable to write preflight probe content")
	}

	for _, destination := range destinations {
		if err := CloneSupported(probe, destination); err != nil {
			return fmt.Errorf("reflink clone into %s failed: %w", destination, err)
		}
	}

	return nil
}
