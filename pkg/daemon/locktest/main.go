// Command locktest is a tiny helper process used by pkg/daemon's tests to
// verify that the daemon lock is refused across process boundaries (a
// single process can't deadlock itself against its own fcntl lock, so the
// cross-process case has to be exercised with a separate binary).
package main

import (
	"fmt"
	"os"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/daemon"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
)

func main() {
	if lock, err := daemon.AcquireLock(logging.RootLogger); err != nil {
		fmt.Fprintln(os.Stderr, "gate lock acquisition failed")
		os.Exit(1)
	} else {
		lock.Release()
	}
}
