package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
)

func writeTestConfig(t *testing.T, base string) string {
	t.Helper()
	os.MkdirAll(filepath.Join(base, "share", "a"), 0755)
	os.MkdirAll(filepath.Join(base, "share", "b"), 0755)

	doc := map[string]any{
		"test": map[string]any{
			"basePath":  base,
			"producers": []string{"a", "b"},
			"scanning":  map[string]any{"enable": false},
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(base, "gate.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunStartsPropagatesAndShutsDown(t *testing.T) {
	base := t.TempDir()
	configPath := writeTestConfig(t, base)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{ConfigPath: configPath, NoScan: true}, logging.RootLogger)
	}()

	// Give the channel's watcher time to start before writing.
	time.Sleep(200 * time.Millisecond)

	sourcePath := filepath.Join(base, "share", "a", "note.txt")
	if err := os.WriteFile(sourcePath, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	peerPath := filepath.Join(base, "share", "b", "note.txt")
	for time.Now().Before(deadline) {
		if _, err := os.Stat(peerPath); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if _, err := os.Stat(peerPath); err != nil {
		t.Fatalf("expected peer copy within deadline: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
	case <-time.After(shutdownGrace + time.Second):
		t.Fatal("Run did not return after shutdown signal and grace period")
	}
}
