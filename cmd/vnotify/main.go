// Command vnotify is the guest-side refresh receiver described in
// spec.md §6's "Guest-refresh receiver CLI" bullet (spec.md names it but
// does not design it in §4): it listens on vsock for the notifier's
// `<channel>\n` lines and toggles the reserved marker file in the
// directory mapped to that channel, so that a file manager's own
// directory-change watch picks up the refresh. Grounded on
// original_source's notify/main.rs.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tiiuae/ghaf-virtiofs-tools/cmd"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/buildinfo"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/config"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/vsock"
)

var rootCommand = &cobra.Command{
	Use:   "vnotify",
	Short: "Receive virtiofs refresh notifications from the host and trigger local directory refresh",
	Args:  cmd.DisallowArguments,
	Run:   cmd.Mainify(runMain),
}

var configuration struct {
	port     uint32
	mappings []string
	debug    bool
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		cmd.Fatal(err)
	}
}

func init() {
	flags := rootCommand.Flags()
	flags.SortFlags = false
	flags.Uint32Var(&configuration.port, "port", config.DefaultGuestNotifyPort, "vsock port to listen on")
	flags.StringArrayVar(&configuration.mappings, "map", nil, "channel=directory mapping (repeatable, required)")
	flags.BoolVar(&configuration.debug, "debug", false, "enable debug logging")
}

func runMain(_ *cobra.Command, _ []string) error {
	buildinfo.SetDebug(configuration.debug)
	logger := logging.RootLogger

	if len(configuration.mappings) == 0 {
		return fmt.Errorf("at least one channel mapping is required (--map channel=/path)")
	}

	mappings, err := parseMappings(configuration.mappings)
	if err != nil {
		return err
	}
	for channel, dir := range mappings {
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("mapped path does not exist: %s -> %s", channel, dir)
		}
		logger.Debugf("channel '%s' mapped to %s", channel, dir)
	}

	listener, err := vsock.Listen(vsock.CIDAny, configuration.port)
	if err != nil {
		return fmt.Errorf("unable to bind vsock listener: %w", err)
	}

	done := make(chan struct{})
	terminationSignals := make(chan os.Signal, 1)
	signal.Notify(terminationSignals, cmd.TerminationSignals...)
	go func() {
		sig := <-terminationSignals
		logger.Infof("received signal %s, shutting down", sig)
		close(done)
		listener.Close()
	}()

	logger.Infof("vnotify: starting (port=%d, channels=%d)", configuration.port, len(mappings))
	logger.Infof("vnotify: ready")

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-done:
			default:
				logger.Warnf("accept error: %v", err)
			}
			logger.Infof("vnotify: stopped")
			return nil
		}
		go handleConnection(conn, mappings, logger)
	}
}

// parseMappings parses the repeated --map channel=directory flags into a
// channel-name to directory map (original_source's parse_mapping: split on
// the first '=' only, so directory paths containing '=' survive intact).
func parseMappings(raw []string) (map[string]string, error) {
	mappings := make(map[string]string, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid mapping format: %s (expected channel=path)", entry)
		}
		mappings[parts[0]] = parts[1]
	}
	return mappings, nil
}

// handleConnection reads newline-terminated channel names from conn until
// EOF and triggers a refresh for each recognized one (spec.md §4.5/§6,
// "Notification protocol").
func handleConnection(conn net.Conn, mappings map[string]string, logger *logging.Logger) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		channel := strings.TrimSpace(scanner.Text())
		if channel == "" {
			continue
		}

		dir, ok := mappings[channel]
		if !ok {
			logger.Debugf("unknown channel '%s', ignoring", channel)
			continue
		}

		if err := triggerRefresh(dir); err != nil {
			logger.Warnf("connection error: %v", err)
			continue
		}
		logger.Infof("triggered refresh on %s for channel '%s'", dir, channel)
	}
}

// triggerRefresh toggles the reserved marker file's existence in dir:
// creates it if absent, removes it if present. The create/delete pair is
// what a file manager's own inotify watch reacts to (spec.md §4.5,
// "receiver toggles the existence of a hidden marker file").
func triggerRefresh(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	marker := filepath.Join(dir, config.RefreshTriggerFile)
	if _, err := os.Stat(marker); err == nil {
		return os.Remove(marker)
	}
	file, err := os.Create(marker)
	if err != nil {
		return err
	}
	return file.Close()
}
