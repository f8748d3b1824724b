package channel

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/config"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/filesystem"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/notifier"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/scanner"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/usernotify"
)

func newTestHandler(t *testing.T, cfg *config.Channel) *Handler {
	t.Helper()
	os.MkdirAll(cfg.StagingPath(), 0755)
	for _, p := range cfg.Producers {
		os.MkdirAll(cfg.SharePath(p), 0755)
	}
	if len(cfg.Consumers) > 0 {
		os.MkdirAll(cfg.ExportPath(), 0755)
	}
	return &Handler{
		Name:     "test",
		Config:   cfg,
		Scanner:  &scanner.Client{},
		Notifier: notifier.New(map[string][]notifier.Target{}, logging.RootLogger),
		User:     usernotify.New("", false, logging.RootLogger),
		Logger:   logging.RootLogger,
		NoScan:   true,
	}
}

func baseChannelConfig(base string) *config.Channel {
	return &config.Channel{
		BasePath:  base,
		Producers: []string{"a", "b"},
		Consumers: []string{"c"},
		Scanning:  config.ScanningConfig{Enable: true, InfectedAction: config.InfectedActionDelete},
	}
}

func TestRelativePathTraversalGuard(t *testing.T) {
	base := t.TempDir()
	cfg := baseChannelConfig(base)
	h := newTestHandler(t, cfg)

	if _, ok := h.relativePath(filepath.Join(cfg.SharePath("a"), "..", "escape.txt"), "a"); ok {
		t.Error("expected parent-component path to be rejected")
	}
	if _, ok := h.relativePath("/etc/passwd", "a"); ok {
		t.Error("expected path outside share prefix to be rejected")
	}
	rel, ok := h.relativePath(filepath.Join(cfg.SharePath("a"), "note.txt"), "a")
	if !ok || rel != "note.txt" {
		t.Errorf("relativePath = %q, %v, want note.txt, true", rel, ok)
	}
}

func TestIgnoredPatterns(t *testing.T) {
	base := t.TempDir()
	cfg := baseChannelConfig(base)
	cfg.Scanning.IgnoreFilePatterns = []string{".tmp"}
	cfg.Scanning.IgnorePathPatterns = []string{"private/"}
	h := newTestHandler(t, cfg)

	if !h.ignored("foo.tmp") {
		t.Error("expected filename pattern match to be ignored")
	}
	if !h.ignored("private/secret.txt") {
		t.Error("expected path pattern match to be ignored")
	}
	if h.ignored("note.txt") {
		t.Error("did not expect unrelated file to be ignored")
	}
}

func TestHandleModifiedPublishesToPeersAndExport(t *testing.T) {
	base := t.TempDir()
	cfg := baseChannelConfig(base)
	h := newTestHandler(t, cfg)

	sourcePath := filepath.Join(cfg.SharePath("a"), "note.txt")
	if err := os.WriteFile(sourcePath, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	h.HandleModified(sourcePath, "a")

	peerPath := filepath.Join(cfg.SharePath("b"), "note.txt")
	data, err := os.ReadFile(peerPath)
	if err != nil {
		t.Fatalf("expected peer copy to exist: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("peer copy content = %q, want hello", data)
	}

	exportPath := filepath.Join(cfg.ExportPath(), "note.txt")
	data, err = os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("expected export copy to exist: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("export copy content = %q, want hello", data)
	}
}

func TestHandleModifiedInfectedDeletesSource(t *testing.T) {
	base := t.TempDir()
	cfg := baseChannelConfig(base)
	h := newTestHandler(t, cfg)

	sourcePath := filepath.Join(cfg.SharePath("a"), "eicar.txt")
	if err := os.WriteFile(sourcePath, []byte("X5O!P%@AP[4\\PZX54(P^)7CC)7}$EICAR"), 0644); err != nil {
		t.Fatal(err)
	}

	// handleInfected is exercised directly here, bypassing the scan step,
	// since the default policy (delete) only depends on the verdict having
	// already been reached, not on how it was reached.
	staged, err := os.CreateTemp(cfg.StagingPath(), "stage")
	if err != nil {
		t.Fatal(err)
	}
	defer staged.Close()
	h.handleInfected(staged, "eicar.txt", "a", "Eicar-Test-Signature")

	if _, err := os.Stat(sourcePath); !os.IsNotExist(err) {
		t.Error("expected infected source file to be deleted")
	}
	peerPath := filepath.Join(cfg.SharePath("b"), "eicar.txt")
	if _, err := os.Stat(peerPath); !os.IsNotExist(err) {
		t.Error("did not expect infected file to propagate to peers")
	}
}

func TestDiodeSuppressesOverwrite(t *testing.T) {
	base := t.TempDir()
	cfg := baseChannelConfig(base)
	cfg.DiodeProducers = []string{"a"}
	h := newTestHandler(t, cfg)

	peerPath := filepath.Join(cfg.SharePath("b"), "file.txt")
	if err := os.WriteFile(peerPath, []byte("from-b"), 0644); err != nil {
		t.Fatal(err)
	}

	sourcePath := filepath.Join(cfg.SharePath("a"), "file.txt")
	if err := os.WriteFile(sourcePath, []byte("from-a"), 0644); err != nil {
		t.Fatal(err)
	}

	h.HandleModified(sourcePath, "a")

	data, err := os.ReadFile(peerPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "from-b" {
		t.Errorf("diode producer must not overwrite existing peer content, got %q", data)
	}
}

func TestHandleDeletedPropagates(t *testing.T) {
	base := t.TempDir()
	cfg := baseChannelConfig(base)
	h := newTestHandler(t, cfg)

	peerPath := filepath.Join(cfg.SharePath("b"), "note.txt")
	exportPath := filepath.Join(cfg.ExportPath(), "note.txt")
	os.WriteFile(peerPath, []byte("hello"), 0644)
	os.WriteFile(exportPath, []byte("hello"), 0644)

	h.HandleDeleted(filepath.Join(cfg.SharePath("a"), "note.txt"), "a")

	if _, err := os.Stat(peerPath); !os.IsNotExist(err) {
		t.Error("expected peer copy to be deleted")
	}
	if _, err := os.Stat(exportPath); !os.IsNotExist(err) {
		t.Error("expected export copy to be deleted")
	}
}

func TestHandleDeletedMissingFilesAreFine(t *testing.T) {
	base := t.TempDir()
	cfg := baseChannelConfig(base)
	h := newTestHandler(t, cfg)

	h.HandleDeleted(filepath.Join(cfg.SharePath("a"), "never-existed.txt"), "a")
}

func TestQuarantineInstallsStagedBytesAndDeletesSource(t *testing.T) {
	base := t.TempDir()
	cfg := baseChannelConfig(base)
	cfg.Scanning.InfectedAction = config.InfectedActionQuarantine
	h := newTestHandler(t, cfg)

	sourcePath := filepath.Join(cfg.SharePath("a"), "eicar.txt")
	scannedContent := []byte("X5O!P%@AP[4\\PZX54(P^)7CC)7}$EICAR")
	if err := os.WriteFile(sourcePath, scannedContent, 0644); err != nil {
		t.Fatal(err)
	}

	// Swap the live source's content after the verdict would have been
	// reached, simulating a producer racing the policy step. Quarantine
	// must still install the bytes that were scanned (scannedContent), not
	// whatever now sits at sourcePath, since it clones from the staged
	// file rather than reopening the live path.
	staged, err := os.CreateTemp(cfg.StagingPath(), "stage")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := staged.Write(scannedContent); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(sourcePath, []byte("swapped-after-scan"), 0644); err != nil {
		t.Fatal(err)
	}

	h.handleInfected(staged, "eicar.txt", "a", "Eicar-Test-Signature")
	staged.Close()

	if _, err := os.Stat(sourcePath); !os.IsNotExist(err) {
		t.Error("expected infected source file to be deleted")
	}

	quarantinedPath := filepath.Join(cfg.QuarantinePath(), "eicar.txt")
	data, err := os.ReadFile(quarantinedPath)
	if err != nil {
		t.Fatalf("expected quarantined copy to exist: %v", err)
	}
	if string(data) != string(scannedContent) {
		t.Errorf("quarantined content = %q, want the scanned bytes %q", data, scannedContent)
	}
}

func TestActScanErrorNotifiesUserInBothBranches(t *testing.T) {
	for _, permissive := range []bool{true, false} {
		t.Run(map[bool]string{true: "permissive", false: "strict"}[permissive], func(t *testing.T) {
			base := t.TempDir()
			cfg := baseChannelConfig(base)
			cfg.Scanning.Permissive = permissive
			h := newTestHandler(t, cfg)

			socketPath := filepath.Join(t.TempDir(), "notify.sock")
			listener, err := net.Listen("unix", socketPath)
			if err != nil {
				t.Fatal(err)
			}
			defer listener.Close()
			h.User = usernotify.New(socketPath, true, logging.RootLogger)

			received := make(chan string, 1)
			go func() {
				conn, err := listener.Accept()
				if err != nil {
					return
				}
				defer conn.Close()
				buf := make([]byte, 256)
				n, _ := conn.Read(buf)
				received <- string(buf[:n])
			}()

			sourcePath := filepath.Join(cfg.SharePath("a"), "note.txt")
			if err := os.WriteFile(sourcePath, []byte("hello"), 0644); err != nil {
				t.Fatal(err)
			}
			metadata, err := filesystem.Lstat(sourcePath)
			if err != nil {
				t.Fatal(err)
			}

			staged, err := os.CreateTemp(cfg.StagingPath(), "stage")
			if err != nil {
				t.Fatal(err)
			}
			defer staged.Close()

			h.act(scanVerdict{result: scanner.Result{Verdict: scanner.Error}}, staged, metadata, "note.txt", "a")

			select {
			case msg := <-received:
				if !strings.Contains(msg, "Scan error") {
					t.Errorf("unexpected notification message: %q", msg)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("expected a user-notify message for the scan error, got none")
			}

			peerPath := filepath.Join(cfg.SharePath("b"), "note.txt")
			_, statErr := os.Stat(peerPath)
			if permissive && statErr != nil {
				t.Errorf("expected permissive scan error to still publish: %v", statErr)
			}
			if !permissive && statErr == nil {
				t.Error("did not expect a strict scan error to publish")
			}
		})
	}
}
