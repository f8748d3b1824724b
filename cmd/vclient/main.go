// Command vclient is the guest-side counterpart to the gate daemon: it
// watches one or more directories inside a guest VM and, on every
// modification, scans the file through the host's vproxy (or, with
// --socket, a scanner reachable directly from the guest) and applies a
// local clean/infected policy. It supplements spec.md §6's "Guest-client
// CLI" bullet, which spec.md names but does not design in §4, and is
// grounded on original_source's vclient/main.rs: reuses pkg/watching and
// pkg/scanner with a local policy instead of the cross-VM propagation
// pkg/channel performs.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiiuae/ghaf-virtiofs-tools/cmd"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/buildinfo"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/config"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/filesystem"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/scanner"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/usernotify"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/vsock"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/watching"
)

// vmaddrCIDHost is the well-known CID a guest uses to reach its host
// (original_source's VMADDR_CID_HOST).
const vmaddrCIDHost = 2

// defaultVsockPort is the default port the host vproxy listens on for
// guest connections (original_source's DEFAULT_VSOCK_PORT).
const defaultVsockPort = 3400

// proxyRetryDelay bounds how often vclient retries an unavailable scanner
// or proxy at startup (original_source's PROXY_RETRY_DELAY).
const proxyRetryDelay = 5 * time.Second

var rootCommand = &cobra.Command{
	Use:   "vclient",
	Short: "Watch guest directories and scan modified files through the host proxy",
	Args:  cmd.DisallowArguments,
	Run:   cmd.Mainify(runMain),
}

var configuration struct {
	watch          []string
	exclude        []string
	cid            uint32
	port           uint32
	useLocalSocket bool
	action         string
	quarantineDir  string
	notifySocket   string
	debug          bool
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		cmd.Fatal(err)
	}
}

func init() {
	flags := rootCommand.Flags()
	flags.SortFlags = false
	flags.StringArrayVar(&configuration.watch, "watch", nil, "directory to watch for file changes (repeatable, required)")
	flags.StringArrayVar(&configuration.exclude, "exclude", nil, "directory to exclude from recursive watching (repeatable)")
	flags.Uint32Var(&configuration.cid, "cid", vmaddrCIDHost, "vsock context ID to connect to (2 = host)")
	flags.Uint32Var(&configuration.port, "port", defaultVsockPort, "vsock port the host proxy listens on")
	flags.BoolVar(&configuration.useLocalSocket, "socket", false, "scan via a local scanner socket instead of the host proxy")
	flags.StringVar(&configuration.action, "action", string(config.InfectedActionDelete), "action on infection: log, delete, quarantine")
	flags.StringVar(&configuration.quarantineDir, "quarantine-dir", "", "quarantine directory (required if action=quarantine)")
	flags.StringVar(&configuration.notifySocket, "notify-socket", config.DefaultUserNotifySocket, "user-notification socket path (empty to disable)")
	flags.BoolVar(&configuration.debug, "debug", false, "enable debug logging")
	rootCommand.MarkFlagRequired("watch")
}

func runMain(_ *cobra.Command, _ []string) error {
	action := config.InfectedAction(configuration.action)
	switch action {
	case config.InfectedActionLog, config.InfectedActionDelete, config.InfectedActionQuarantine:
	default:
		return fmt.Errorf("invalid --action %q: must be log, delete, or quarantine", configuration.action)
	}
	if action == config.InfectedActionQuarantine && configuration.quarantineDir == "" {
		return fmt.Errorf("--quarantine-dir is required when --action=quarantine")
	}

	for _, dir := range configuration.watch {
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("watch directory does not exist: %s", dir)
		}
	}

	buildinfo.SetDebug(configuration.debug)
	logger := logging.RootLogger

	scannerClient := buildScannerClient(logger)
	scanPath := buildScanFunc(scannerClient)
	waitForScanner(scannerClient, logger)

	watcher, err := watching.New(logger, watching.Config{Excludes: configuration.exclude})
	if err != nil {
		return fmt.Errorf("unable to create watcher: %w", err)
	}
	for _, dir := range configuration.watch {
		if err := watcher.AddRecursive(dir, ""); err != nil {
			watcher.Terminate()
			return fmt.Errorf("unable to watch %s: %w", dir, err)
		}
	}
	watcher.Start()
	defer watcher.Terminate()

	notify := usernotify.New(configuration.notifySocket, configuration.notifySocket != "", logger)

	terminationSignals := make(chan os.Signal, 1)
	signal.Notify(terminationSignals, cmd.TerminationSignals...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-terminationSignals
		logger.Infof("received signal %s, shutting down", sig)
		cancel()
	}()

	logger.Infof("vclient: ready (action=%s, watch=%v)", action, configuration.watch)
	runLoop(ctx, watcher, scanPath, action, configuration.quarantineDir, notify, logger)
	logger.Infof("vclient: stopped")
	return nil
}

// buildScannerClient builds the scanner client vclient uses: either a
// direct connection to a local clamd socket (--socket, FILDES-capable
// since the guest and the scanner share a filesystem) or a connection to
// the host's vproxy over vsock, which only ever speaks the streaming
// INSTREAM protocol (spec.md §4.4/§4.6).
func buildScannerClient(logger *logging.Logger) *scanner.Client {
	if configuration.useLocalSocket {
		return scanner.NewLocalClient(scanner.DefaultSocketPath, logger)
	}
	cid, port := configuration.cid, configuration.port
	return &scanner.Client{
		Dial: func() (net.Conn, error) {
			return vsock.Dial(cid, port)
		},
		Logger: logger,
	}
}

// buildScanFunc returns the path-scanning function matching the transport
// buildScannerClient selected: FILDES passing for the local socket (the
// scanner inspects the exact bytes vclient opened), or streaming for the
// vsock/proxy path, since vproxy's command whitelist excludes FILDES
// (spec.md §4.6, "the explicit denylist includes path-based scans").
func buildScanFunc(client *scanner.Client) func(string) (scanner.Result, error) {
	if configuration.useLocalSocket {
		return client.ScanPath
	}
	return func(path string) (scanner.Result, error) {
		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return scanner.Result{Verdict: scanner.NotFound}, nil
			}
			return scanner.Result{Verdict: scanner.Error}, nil
		}
		defer file.Close()
		return client.ScanStream(file, path)
	}
}

// waitForScanner retries the configured scanner or proxy indefinitely at
// startup, logging a single "waiting" message rather than spamming
// (original_source's wait_for_proxy/wait_for_local_scanner).
func waitForScanner(scannerClient *scanner.Client, logger *logging.Logger) {
	logged := false
	for {
		if err := scannerClient.ValidateAvailability(); err == nil {
			logger.Infof("scanner available")
			return
		} else if !logged {
			logger.Warnf("waiting for scanner: %v", err)
			logged = true
		}
		time.Sleep(proxyRetryDelay)
	}
}

// runLoop forwards every watcher event to the local scan-and-act policy
// until ctx is cancelled.
func runLoop(ctx context.Context, watcher *watching.Watcher, scanPath func(string) (scanner.Result, error), action config.InfectedAction, quarantineDir string, notify *usernotify.Client, logger *logging.Logger) {
	events := watcher.Events()
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
				handleModified(event.Path, scanPath, action, quarantineDir, notify, logger)
			case watching.Renamed:
				handleModified(event.Path, scanPath, action, quarantineDir, notify, logger)
			case watching.Deleted:
				// Nothing downstream to reconcile on the guest side.
			}
		}
	}
}

// handleModified scans path and applies the configured infection policy,
// mirroring the policy pkg/channel applies on the host but without any
// cross-VM propagation.
func handleModified(path string, scanPath func(string) (scanner.Result, error), action config.InfectedAction, quarantineDir string, notify *usernotify.Client, logger *logging.Logger) {
	result, err := scanPath(path)
	if err != nil {
		logger.Errorf("scan error for %s: %v", path, err)
		notify.NotifyError(path, err.Error())
		return
	}

	switch result.Verdict {
	case scanner.Clean:
		logger.Debugf("clean: %s", path)
	case scanner.NotFound:
		logger.Debugf("%s vanished before scan", path)
	case scanner.Error:
		notify.NotifyError(path, "scan error")
	case scanner.Infected:
		notify.NotifyInfected(path, result.Signature)
		applyInfectedPolicy(path, action, quarantineDir, logger)
	}
}

// applyInfectedPolicy implements the --action log|delete|quarantine policy
// for an infected file found on the guest side.
func applyInfectedPolicy(path string, action config.InfectedAction, quarantineDir string, logger *logging.Logger) {
	switch action {
	case config.InfectedActionLog:
		return
	case config.InfectedActionQuarantine:
		file, _, err := filesystem.OpenRegularNoFollow(path)
		if err != nil {
			logger.Warnf("unable to open infected file for quarantine: %v", err)
			return
		}
		defer file.Close()

		destination := filepath.Join(quarantineDir, filepath.Base(path))
		if err := os.MkdirAll(quarantineDir, 0755); err != nil {
			logger.Warnf("unable to create quarantine directory: %v", err)
		} else if err := filesystem.InstallQuarantine(file, destination, logger); err != nil {
			logger.Warnf("quarantine install failed for %s: %v", path, err)
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("unable to remove infected file %s: %v", path, err)
	}
}
