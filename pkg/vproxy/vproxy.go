// Package vproxy implements the guest-to-host scanning proxy described in
// spec.md §4.6: a command-filtered relay that lets a guest VM reach the
// host's local ClamAV-compatible scanner over vsock without ever being
// able to issue a command that references host filesystem paths or
// otherwise controls the scanner. It is grounded on original_source's
// vproxy/main.rs, whose retrieved doc comment and import list ("filters
// ClamAV commands to allow only safe operations", a semaphore, and a
// read timeout) set the shape this package fills in, since the Rust
// function bodies were not retrievable.
package vproxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/vsock"
)

const (
	// DefaultMaxConnections bounds concurrent accepted connections, kept at
	// or below the scanner's thread limit (spec.md §4.6).
	DefaultMaxConnections = 10
	// DefaultMaxChunkSize bounds a single INSTREAM chunk forwarded from the
	// guest (spec.md §4.6, "max_chunk_size (default 25 MiB)").
	DefaultMaxChunkSize = 25 * 1024 * 1024
	// DefaultMaxStreamSize bounds the cumulative size of one streamed scan
	// (spec.md §4.6, "max_stream_size (default 100 MiB)").
	DefaultMaxStreamSize = 100 * 1024 * 1024
	// DefaultCommandTimeout bounds how long the proxy waits to read a
	// command token (spec.md §4.6, "command read is bounded (30 s
	// default)").
	DefaultCommandTimeout = 30 * time.Second
	// DefaultReadTimeout bounds individual socket reads (spec.md §4.6,
	// "individual socket reads are bounded (60 s default)").
	DefaultReadTimeout = 60 * time.Second
	// DefaultStreamTimeout bounds the whole streaming operation (spec.md
	// §4.6, "the whole streaming operation is bounded (120 s default)").
	DefaultStreamTimeout = 120 * time.Second

	commandBufferSize = 4096
	chunkHeaderSize   = 4
)

// deniedMessage is sent, best-effort, for any non-whitelisted command.
const deniedMessage = "ERROR: Command not allowed\n"

var whitelist = map[string]bool{
	"nPING\n":       true,
	"zPING\x00":     true,
	"nVERSION\n":    true,
	"zVERSION\x00":  true,
	"nINSTREAM\n":   true,
	"zINSTREAM\x00": true,
}

// Config carries the vproxy binary's tunable knobs (spec.md §4.6/§6).
type Config struct {
	CID            uint32
	Port           uint32
	ClamdSocket    string
	MaxConnections int
	MaxChunkSize   int64
	MaxStreamSize  int64
	CommandTimeout time.Duration
	ReadTimeout    time.Duration
	StreamTimeout  time.Duration
}

// applyDefaults fills in zero-valued fields with their spec.md §4.6
// defaults.
func (c *Config) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.MaxStreamSize <= 0 {
		c.MaxStreamSize = DefaultMaxStreamSize
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = DefaultStreamTimeout
	}
}

// Proxy is the running guest-to-host scanning proxy.
type Proxy struct {
	config Config
	logger *logging.Logger
	dial   func() (net.Conn, error)
	permit chan struct{}
}

// New creates a Proxy from config, defaulting any unset tunables.
func New(config Config, logger *logging.Logger) *Proxy {
	config.applyDefaults()
	return &Proxy{
		config: config,
		logger: logger,
		dial: func() (net.Conn, error) {
			return net.Dial("unix", config.ClamdSocket)
		},
		permit: make(chan struct{}, config.MaxConnections),
	}
}

// Run accepts connections on the configured vsock address until listener
// is closed or done is closed, handling each on its own goroutine bounded
// by the connection semaphore (spec.md §5, "The vproxy runs an accept
// loop plus one task per accepted connection").
func (p *Proxy) Run(done <-chan struct{}) error {
	listener, err := vsock.Listen(p.config.CID, p.config.Port)
	if err != nil {
		return fmt.Errorf("unable to listen on vsock: %w", err)
	}

	go func() {
		<-done
		listener.Close()
	}()

	p.logger.Infof("vproxy listening on cid=%d port=%d", p.config.CID, p.config.Port)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-done:
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}

		select {
		case p.permit <- struct{}{}:
		case <-done:
			conn.Close()
			return nil
		}

		go func() {
			defer func() { <-p.permit }()
			p.handleConnection(conn)
		}()
	}
}

// handleConnection reads exactly one command token, rejects anything not
// in the whitelist, and otherwise relays the request and response between
// guest and scanner (spec.md §4.6).
func (p *Proxy) handleConnection(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(p.config.CommandTimeout))
	buffer := make([]byte, commandBufferSize)
	n, err := conn.Read(buffer)
	if err != nil {
		p.logger.Debugf("vproxy: command read failed: %v", err)
		return
	}
	buffer = buffer[:n]

	command, residual, ok := splitCommand(buffer)
	if !ok || !whitelist[command] {
		writeBestEffort(conn, deniedMessage)
		p.logger.Warnf("vproxy: rejected command %q", command)
		return
	}

	clamd, err := p.dial()
	if err != nil {
		p.logger.Warnf("vproxy: unable to connect to scanner: %v", err)
		writeBestEffort(conn, "ERROR: Scanner unavailable\n")
		return
	}
	defer clamd.Close()

	if _, err := clamd.Write([]byte(command)); err != nil {
		p.logger.Warnf("vproxy: unable to forward command: %v", err)
		return
	}

	if command == "nINSTREAM\n" || command == "zINSTREAM\x00" {
		if err := p.relayStream(conn, clamd, residual); err != nil {
			p.logger.Warnf("vproxy: stream relay failed: %v", err)
			writeBestEffort(conn, streamErrorMessage(err))
			return
		}
	} else if len(residual) > 0 {
		if _, err := clamd.Write(residual); err != nil {
			p.logger.Warnf("vproxy: unable to forward residual bytes: %v", err)
			return
		}
	}

	conn.SetWriteDeadline(time.Now().Add(p.config.ReadTimeout))
	clamd.SetReadDeadline(time.Now().Add(p.config.ReadTimeout))
	if _, err := io.Copy(conn, clamd); err != nil {
		p.logger.Debugf("vproxy: response relay ended: %v", err)
	}
}

// splitCommand locates the command token's terminator (selected by the
// first byte, spec.md §4.6: "the first byte selects the delimiter") and
// splits buffer into the command (including its delimiter) and any
// residual bytes that arrived in the same read.
func splitCommand(buffer []byte) (command string, residual []byte, ok bool) {
	if len(buffer) == 0 {
		return "", nil, false
	}

	var delim byte
	switch buffer[0] {
	case 'n':
		delim = '\n'
	case 'z':
		delim = '\x00'
	default:
		return "", nil, false
	}

	idx := bytes.IndexByte(buffer, delim)
	if idx < 0 {
		return "", nil, false
	}
	return string(buffer[:idx+1]), buffer[idx+1:], true
}

// relayStream copies the INSTREAM chunk sequence from guest to clamd,
// enforcing per-chunk and cumulative size limits, then reports when the
// terminating zero-length chunk has been forwarded (spec.md §4.6,
// "Framing details for streaming scan").
func (p *Proxy) relayStream(guest, clamd net.Conn, residual []byte) error {
	deadline := time.Now().Add(p.config.StreamTimeout)
	guest.SetReadDeadline(deadline)

	reader := &residualReader{residual: residual, source: guest}

	var cumulative int64
	header := make([]byte, chunkHeaderSize)
	for {
		length, err := readChunkHeader(reader, header)
		if err != nil {
			return err
		}

		if _, err := clamd.Write(header); err != nil {
			return fmt.Errorf("unable to forward chunk header: %w", err)
		}

		if length == 0 {
			return nil
		}

		if int64(length) > p.config.MaxChunkSize {
			return fmt.Errorf("chunk size %d exceeds limit %d", length, p.config.MaxChunkSize)
		}
		cumulative += int64(length)
		if cumulative > p.config.MaxStreamSize {
			return fmt.Errorf("cumulative stream size %d exceeds limit %d", cumulative, p.config.MaxStreamSize)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("stream operation exceeded %s timeout", p.config.StreamTimeout)
		}

		if _, err := io.CopyN(clamd, reader, int64(length)); err != nil {
			return fmt.Errorf("unable to forward chunk body: %w", err)
		}
	}
}

// readChunkHeader reads exactly chunkHeaderSize bytes from reader into
// header and returns the decoded big-endian length.
func readChunkHeader(reader io.Reader, header []byte) (uint32, error) {
	if _, err := io.ReadFull(reader, header); err != nil {
		return 0, fmt.Errorf("unable to read chunk header: %w", err)
	}
	return uint32(header[0])<<24 | uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3]), nil
}

// residualReader drains a bounded residual buffer before falling through
// to source, so bytes that arrived alongside the command token in the
// same read are not lost (spec.md §4.6, "A bounded residual buffer holds
// bytes that arrived in the same read as the command token").
type residualReader struct {
	residual []byte
	source   io.Reader
}

func (r *residualReader) Read(p []byte) (int, error) {
	if len(r.residual) > 0 {
		n := copy(p, r.residual)
		r.residual = r.residual[n:]
		return n, nil
	}
	return r.source.Read(p)
}

// writeBestEffort writes message to conn, ignoring any error (spec.md
// §4.6: "a response ... is sent best-effort").
func writeBestEffort(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte(message))
}

// streamErrorMessage maps a stream relay failure to the best-effort error
// line spec.md §4.6 specifies for size and timeout violations.
func streamErrorMessage(err error) string {
	message := err.Error()
	switch {
	case bytes.Contains([]byte(message), []byte("exceeds limit")):
		return "ERROR: Chunk size exceeds limit\n"
	case bytes.Contains([]byte(message), []byte("timeout")):
		return "ERROR: Command timeout\n"
	default:
		return "ERROR: Stream relay failed\n"
	}
}
