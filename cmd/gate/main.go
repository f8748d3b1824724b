// Command gate runs the host-side malware-scanning gate daemon described
// in spec.md §1: it watches every configured channel's producer
// subtrees, scans modified files before they reach peers or consumers,
// and reconciles each channel's state at startup. It is grounded on the
// teacher's cmd/mutagen-agent/main.go daemon entry point and
// cmd/mutagen/daemon/run.go's run-command shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/tiiuae/ghaf-virtiofs-tools/cmd"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/buildinfo"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/config"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/daemon"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
)

var rootCommand = &cobra.Command{
	Use:   "gate",
	Short: "Scan and propagate files across virtiofs channels",
}

func main() {
	rootCommand.AddCommand(runCommand, verifyCommand)
	if err := rootCommand.Execute(); err != nil {
		cmd.Fatal(err)
	}
}

var runConfiguration struct {
	configPath string
	debug      bool
	noScan     bool
}

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Run the gate daemon",
	Args:  cmd.DisallowArguments,
	Run:   cmd.Mainify(runMain),
}

func init() {
	flags := runCommand.Flags()
	flags.SortFlags = false
	flags.StringVar(&runConfiguration.configPath, "config", "", "path to the channel configuration file (required)")
	flags.BoolVar(&runConfiguration.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&runConfiguration.noScan, "no-scan", false, "treat every file as clean without contacting the scanner")
	runCommand.MarkFlagRequired("config")
}

// runMain is the entry point for `gate run` (spec.md §6).
func runMain(_ *cobra.Command, _ []string) error {
	lock, err := daemon.AcquireLock(logging.RootLogger)
	if err != nil {
		return fmt.Errorf("unable to acquire daemon lock: %w", err)
	}
	defer lock.Release()

	logger := logging.RootLogger
	buildinfo.SetDebug(runConfiguration.debug)
	if runConfiguration.debug {
		logger.Infof("debug logging enabled")
	}

	terminationSignals := make(chan os.Signal, 1)
	signal.Notify(terminationSignals, cmd.TerminationSignals...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-terminationSignals
		logger.Infof("received signal %s, shutting down", sig)
		cancel()
	}()

	return daemon.Run(ctx, daemon.Options{
		ConfigPath: runConfiguration.configPath,
		NoScan:     runConfiguration.noScan,
	}, logger)
}

var verifyConfiguration struct {
	configPath string
}

var verifyCommand = &cobra.Command{
	Use:   "verify",
	Short: "Validate a channel configuration file without starting the daemon",
	Args:  cmd.DisallowArguments,
	Run:   cmd.Mainify(verifyMain),
}

func init() {
	flags := verifyCommand.Flags()
	flags.SortFlags = false
	flags.StringVar(&verifyConfiguration.configPath, "config", "", "path to the channel configuration file (required)")
	verifyCommand.MarkFlagRequired("config")
}

// verifyMain is the entry point for `gate verify` (spec.md §6): it prints
// per-channel status and exits non-zero if any channel, or the base-path
// uniqueness check, fails.
func verifyMain(_ *cobra.Command, _ []string) error {
	statuses, err := config.Verify(verifyConfiguration.configPath)
	if err != nil {
		for _, status := range statuses {
			printStatus(status)
		}
		return err
	}

	failed := false
	for _, status := range statuses {
		printStatus(status)
		if !status.Valid() {
			failed = true
		}
	}

	if failed {
		return fmt.Errorf("one or more channels failed validation")
	}
	return nil
}

func printStatus(status config.ChannelStatus) {
	if status.Valid() {
		fmt.Printf("%s: ok\n", status.Name)
		return
	}
	fmt.Printf("%s: invalid\n", status.Name)
	for _, problem := range status.Problems {
		fmt.Printf("  - %s\n", problem)
	}
}
