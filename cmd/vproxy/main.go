// Command vproxy runs the guest-to-host scanning proxy described in
// spec.md §4.6: it accepts vsock connections from guest VMs, filters
// ClamAV commands down to the streaming-scan/ping/version whitelist, and
// forwards permitted requests to the host's local scanner socket. It is
// grounded on original_source's vproxy/main.rs, whose retrieved doc
// comment names this exact purpose and flag surface.
package main

import (
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiiuae/ghaf-virtiofs-tools/cmd"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/buildinfo"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/scanner"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/vproxy"
)

var rootCommand = &cobra.Command{
	Use:   "vproxy",
	Short: "Proxy ClamAV scan requests from guest VMs to the host scanner",
	Args:  cmd.DisallowArguments,
	Run:   cmd.Mainify(runMain),
}

var configuration struct {
	cid            uint32
	port           uint32
	clamdSocket    string
	maxConnections int
	maxStreamSize  int64
	maxChunkSize   int64
	commandTimeout int
	readTimeout    int
	streamTimeout  int
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
	flags.Uint32Var(&configuration.cid, "cid", 0, "vsock context ID to listen on (0 = VMADDR_CID_ANY)")
	flags.Uint32Var(&configuration.port, "port", 3400, "vsock port to listen on")
	flags.StringVar(&configuration.clamdSocket, "clamd", scanner.DefaultSocketPath, "path to the local clamd command socket")
	flags.IntVar(&configuration.maxConnections, "max-connections", vproxy.DefaultMaxConnections, "maximum concurrent accepted connections")
	flags.Int64Var(&configuration.maxStreamSize, "max-stream-size", vproxy.DefaultMaxStreamSize, "maximum cumulative bytes per streamed scan")
	flags.Int64Var(&configuration.maxChunkSize, "max-chunk-size", vproxy.DefaultMaxChunkSize, "maximum bytes per streaming chunk")
	flags.IntVar(&configuration.commandTimeout, "command-timeout-secs", int(vproxy.DefaultCommandTimeout/time.Second), "seconds to wait for the initial command token")
	flags.IntVar(&configuration.readTimeout, "read-timeout-secs", int(vproxy.DefaultReadTimeout/time.Second), "seconds to wait for each socket read")
	flags.IntVar(&configuration.streamTimeout, "stream-timeout-secs", int(vproxy.DefaultStreamTimeout/time.Second), "seconds to bound a whole streaming scan")
	flags.BoolVar(&configuration.debug, "debug", false, "enable debug logging")
}

func runMain(_ *cobra.Command, _ []string) error {
	buildinfo.SetDebug(configuration.debug)
	logger := logging.RootLogger

	proxy := vproxy.New(vproxy.Config{
		CID:            configuration.cid,
		Port:           configuration.port,
		ClamdSocket:    configuration.clamdSocket,
		MaxConnections: configuration.maxConnections,
		MaxStreamSize:  configuration.maxStreamSize,
		MaxChunkSize:   configuration.maxChunkSize,
		CommandTimeout: time.Duration(configuration.commandTimeout) * time.Second,
		ReadTimeout:    time.Duration(configuration.readTimeout) * time.Second,
		StreamTimeout:  time.Duration(configuration.streamTimeout) * time.Second,
	}, logger)

	terminationSignals := make(chan os.Signal, 1)
	signal.Notify(terminationSignals, cmd.TerminationSignals...)

	done := make(chan struct{})
	go func() {
		sig := <-terminationSignals
		logger.Infof("received signal %s, shutting down", sig)
		close(done)
	}()

	return proxy.Run(done)
}
