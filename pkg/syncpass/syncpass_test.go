package syncpass

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/channel"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/config"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/notifier"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/scanner"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/usernotify"
)

func newTestChannel(t *testing.T) *config.Channel {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Channel{
		Name:      "test",
		BasePath:  base,
		Producers: []string{"a", "b"},
		Consumers: []string{"c"},
		Scanning:  config.ScanningConfig{Enable: true, InfectedAction: config.InfectedActionDelete},
	}
	os.MkdirAll(cfg.StagingPath(), 0755)
	os.MkdirAll(cfg.SharePath("a"), 0755)
	os.MkdirAll(cfg.SharePath("b"), 0755)
	os.MkdirAll(cfg.ExportPath(), 0755)
	return cfg
}

func newTestHandler(cfg *config.Channel) *channel.Handler {
	return &channel.Handler{
		Name:     cfg.Name,
		Config:   cfg,
		Scanner:  &scanner.Client{},
		Notifier: notifier.New(map[string][]notifier.Target{}, logging.RootLogger),
		User:     usernotify.New("", false, logging.RootLogger),
		Logger:   logging.RootLogger,
		NoScan:   true,
	}
}

func TestRunReconcilesMissingExportCopy(t *testing.T) {
	cfg := newTestChannel(t)
	handler := newTestHandler(cfg)

	if err := os.WriteFile(filepath.Join(cfg.SharePath("a"), "note.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.SharePath("b"), "note.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Run(cfg, handler, logging.RootLogger); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(cfg.ExportPath(), "note.txt")); err != nil {
		t.Errorf("expected export copy to be created by sync pass: %v", err)
	}
}

func TestRunRemovesOrphanedExportCopy(t *testing.T) {
	cfg := newTestChannel(t)
	handler := newTestHandler(cfg)

	if err := os.WriteFile(filepath.Join(cfg.ExportPath(), "stale.txt"), []byte("gone"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Run(cfg, handler, logging.RootLogger); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(cfg.ExportPath(), "stale.txt")); !os.IsNotExist(err) {
		t.Error("expected orphaned export copy to be removed")
	}
}

func TestRunIsIdempotentOnQuiescentTree(t *testing.T) {
	cfg := newTestChannel(t)
	handler := newTestHandler(cfg)

	if err := os.WriteFile(filepath.Join(cfg.SharePath("a"), "note.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.SharePath("b"), "note.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Run(cfg, handler, logging.RootLogger); err != nil {
		t.Fatal(err)
	}

	exportPath := filepath.Join(cfg.ExportPath(), "note.txt")
	first, err := os.Stat(exportPath)
	if err != nil {
		t.Fatal(err)
	}

	if err := Run(cfg, handler, logging.RootLogger); err != nil {
		t.Fatal(err)
	}

	second, err := os.Stat(exportPath)
	if err != nil {
		t.Fatal(err)
	}
	if !first.ModTime().Equal(second.ModTime()) {
		t.Error("expected second sync pass to perform no writes on a quiescent tree")
	}
}

func TestNeedsReconciliationDisagreeingProducers(t *testing.T) {
	now := time.Now()
	entries := []entry{
		{producer: "a", modTime: now, size: 10},
		{producer: "b", modTime: now.Add(time.Second), size: 10},
	}
	if !needsReconciliation(entries, 2, map[string]entry{}, "note.txt") {
		t.Error("expected disagreement on mtime to require reconciliation")
	}
}

func TestNeedsReconciliationMissingProducer(t *testing.T) {
	now := time.Now()
	entries := []entry{{producer: "a", modTime: now, size: 10}}
	export := map[string]entry{"note.txt": {modTime: now, size: 10}}
	if !needsReconciliation(entries, 2, export, "note.txt") {
		t.Error("expected a missing producer to require reconciliation")
	}
}

func TestNeedsReconciliationAgreeingState(t *testing.T) {
	now := time.Now()
	entries := []entry{
		{producer: "a", modTime: now, size: 10},
		{producer: "b", modTime: now, size: 10},
	}
	export := map[string]entry{"note.txt": {modTime: now, size: 10}}
	if needsReconciliation(entries, 2, export, "note.txt") {
		t.Error("did not expect reconciliation when producers and export agree")
	}
}
