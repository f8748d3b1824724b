// Package daemon provides the gate daemon's single-instance lock, adapted
// from the teacher's pkg/daemon/lock.go and pkg/filesystem/locking, with the
// IPC/autostart/registration machinery those files also carried dropped:
// the gate daemon has no CLI-to-daemon RPC surface beyond `run`/`verify`,
// and autostart registration is out of scope per spec.md §1.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/channel"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/config"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/notifier"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/scanner"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/syncpass"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/usernotify"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/watching"
)

// shutdownGrace bounds how long the daemon waits for channel tasks to
// drain after a shutdown signal before proceeding regardless (spec.md §5,
// "waits for all tasks up to a five-second grace").
const shutdownGrace = 5 * time.Second

// Options carries the `gate run` invocation's flags (spec.md §6).
type Options struct {
	ConfigPath         string
	NoScan             bool
	ScannerSocket      string
	UserNotifyOverride string
}

// channelTask is one running channel: its handler, watcher, and the
// producer-subtree roots it owns.
type channelTask struct {
	name    string
	cfg     *config.Channel
	handler *channel.Handler
	watcher *watching.Watcher
}

// Run loads configuration, pre-flights and starts every valid channel, and
// blocks until ctx is cancelled, then tears every channel down within the
// shutdown grace period (spec.md §5, "Cancellation").
func Run(ctx context.Context, opts Options, logger *logging.Logger) error {
	cfg, err := config.Load(opts.ConfigPath, logger)
	if err != nil {
		return fmt.Errorf("unable to load configuration: %w", err)
	}

	scannerClient := scanner.NewLocalClient(opts.ScannerSocket, logger)
	if err := scannerClient.ValidateAvailability(); err != nil {
		logger.Warnf("scanner unavailable at startup, scans will fail until it is reachable: %v", err)
	}

	notify := notifier.BuildFromConfig(cfg, logger)

	tasks := make([]*channelTask, 0, len(cfg))
	for name, channelCfg := range cfg {
		task, err := startChannel(ctx, name, channelCfg, scannerClient, notify, opts, logger)
		if err != nil {
			logger.Warnf("channel '%s': disabled, pre-flight failed: %v", name, err)
			continue
		}
		tasks = append(tasks, task)
	}

	if len(tasks) == 0 {
		logger.Warnf("no channels started, daemon is idle")
	}

	<-ctx.Done()
	logger.Infof("shutdown signal received, stopping %d channel(s)", len(tasks))

	return stopAll(tasks, logger)
}

// startChannel pre-flights a channel, runs its sync pass, and launches its
// watcher and dispatch goroutine.
func startChannel(ctx context.Context, name string, cfg *config.Channel, scannerClient *scanner.Client, notify *notifier.Notifier, opts Options, logger *logging.Logger) (*channelTask, error) {
	channelLogger := logger.Sublogger(name)

	userSocket := cfg.UserNotify.Socket
	if opts.UserNotifyOverride != "" {
		userSocket = opts.UserNotifyOverride
	}

	watcher, err := watching.New(channelLogger, watching.Config{
		Debounce: time.Duration(cfg.DebounceMs) * time.Millisecond,
		Excludes: []string{cfg.StagingPath(), cfg.QuarantinePath()},
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create watcher: %w", err)
	}

	handler := &channel.Handler{
		Name:       name,
		Config:     cfg,
		Scanner:    scannerClient,
		Notifier:   notify,
		User:       usernotify.New(userSocket, cfg.UserNotify.Enable, channelLogger),
		Logger:     channelLogger,
		NoScan:     opts.NoScan,
		RecordSkip: watcher.RecordSkip,
	}

	if err := handler.Preflight(); err != nil {
		watcher.Terminate()
		return nil, err
	}

	if err := syncpass.Run(cfg, handler, channelLogger); err != nil {
		watcher.Terminate()
		return nil, fmt.Errorf("sync pass failed: %w", err)
	}

	for _, producer := range cfg.Producers {
		if err := watcher.AddRecursive(cfg.SharePath(producer), producer); err != nil {
			watcher.Terminate()
			return nil, fmt.Errorf("unable to watch producer '%s': %w", producer, err)
		}
	}

	watcher.Start()

	task := &channelTask{name: name, cfg: cfg, handler: handler, watcher: watcher}
	go dispatchLoop(ctx, task)

	channelLogger.Infof("channel '%s': started (%d producers, debounce=%dms)", name, len(cfg.Producers), cfg.DebounceMs)
	return task, nil
}

// dispatchLoop is the channel task's event loop (spec.md §5, "each channel
// runs as one task"): it forwards every watcher event to the channel
// handler until the watcher is terminated and its channels close.
func dispatchLoop(ctx context.Context, task *channelTask) {
	events := task.watcher.Events()
	errs := task.watcher.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Kind {
			case watching.Modified:
				task.handler.HandleModified(event.Path, event.Source)
			case watching.Deleted:
				task.handler.HandleDeleted(event.Path, event.Source)
			case watching.Renamed:
				task.handler.HandleRenamed(event.Path, event.OldPath, event.Source)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			task.handler.Logger.Errorf("watcher error: %v", err)
		}
	}
}

// stopAll terminates every channel's watcher concurrently, waiting up to
// shutdownGrace for all of them to finish.
func stopAll(tasks []*channelTask, logger *logging.Logger) error {
	var wg sync.WaitGroup
	done := make(chan struct{})

	for _, task := range tasks {
		wg.Add(1)
		go func(t *channelTask) {
			defer wg.Done()
			if err := t.watcher.Terminate(); err != nil {
				logger.Warnf("channel '%s': error during shutdown: %v", t.name, err)
			}
		}(task)
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logger.Warnf("shutdown grace period elapsed, proceeding with %d task(s) still stopping", len(tasks))
	}
	return nil
}
