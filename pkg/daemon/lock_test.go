package daemon

import (
	"bytes"
	"os/exec"
	"strings"
	"testing"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
)

const (
	// lockTestExecutablePackage is the Go package to build for running the
	// cross-process lock test.
	lockTestExecutablePackage = "github.com/tiiuae/ghaf-virtiofs-tools/pkg/daemon/locktest"
	// lockTestFailMessage is the sentinel message the helper process prints
	// on failed lock acquisition.
	lockTestFailMessage = "gate lock acquisition failed"
)

// TestLockCycle tests an acquisition/release cycle of the daemon lock.
func TestLockCycle(t *testing.T) {
	t.Setenv("GHAF_GATE_STATE_DIR", t.TempDir())

	lock, err := AcquireLock(logging.RootLogger)
	if err != nil {
		t.Fatal("unable to acquire lock:", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal("unable to release lock:", err)
	}
}

// TestLockDuplicateFail tests that an additional attempt to acquire the
// daemon lock by a separate process fails. A single process can't be used
// for this because POSIX record locks never conflict with another lock
// held by the same process.
func TestLockDuplicateFail(t *testing.T) {
	stateDir := t.TempDir()
	t.Setenv("GHAF_GATE_STATE_DIR", stateDir)

	lock, err := AcquireLock(logging.RootLogger)
	if err != nil {
		t.Fatal("unable to acquire lock:", err)
	}
	defer lock.Release()

	testCommand := exec.Command("go", "run", lockTestExecutablePackage)
	testCommand.Env = append(testCommand.Environ(), "GHAF_GATE_STATE_DIR="+stateDir)
	errorBuffer := &bytes.Buffer{}
	testCommand.Stderr = errorBuffer
	if err := testCommand.Run(); err == nil {
		t.Error("helper process succeeded unexpectedly")
	} else if !strings.Contains(errorBuffer.String(), lockTestFailMessage) {
		t.Error("helper process error output did not contain failure message")
	}
}
