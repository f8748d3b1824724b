// Package scanner implements the ClamAV client protocols used to scan a
// file before it is published on the host side of a channel, or on the
// guest side when a VM runs its own local scanner. It supports two
// transports: FILDES (SCM_RIGHTS file descriptor passing over a local Unix
// socket, TOCTOU-safe) and INSTREAM (length-prefixed streaming, usable over
// any byte stream including a vsock connection relayed through the
// proxy). Both are grounded on the protocol described in
// original_source's scanner.rs.
package scanner

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
)

// DefaultSocketPath is clamd's conventional local command socket.
const DefaultSocketPath = "/var/run/clamav/clamd.ctl"

// maxChunkSize bounds a single INSTREAM chunk, matching clamd's own
// StreamMaxLength-adjacent default and the framing idiom's reusable buffer
// sizing.
const maxChunkSize = 1024 * 1024

// dialTimeout bounds how long a scan attempt waits to connect to the
// scanner socket before giving up.
const dialTimeout = 5 * time.Second

// Verdict is the outcome of a scan.
type Verdict uint8

const (
	// Clean means the scanner found no infection.
	Clean Verdict = iota
	// Infected means the scanner matched a signature.
	Infected
	// Error means the scan could not be completed (scanner unavailable,
	// malformed response, permission denied).
	Error
	// NotFound means the file had already vanished before it could be
	// scanned.
	NotFound
)

// String renders a Verdict for log lines.
func (v Verdict) String() string {
	switch v {
	case Clean:
		return "clean"
	case Infected:
		return "infected"
	case Error:
		return "error"
	case NotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// Result is the full outcome of a scan: a verdict plus, for Infected, the
// signature name the scanner reported.
type Result struct {
	Verdict   Verdict
	Signature string
}

// ParseResponse decodes a raw ClamAV response line into a Result. It
// mirrors original_source's ClamAVScanner::parse_response exactly: "OK" at
// the end means clean, " FOUND" at the end means infected (with the
// signature recovered from the text following the last ": "), "ERROR" at
// the end means a scan error, and anything else is logged and treated as
// an error.
func ParseResponse(response, nameForLogging string, logger *logging.Logger) Result {
	if strings.HasSuffix(response, "OK") {
		logger.Debugf("clean: %s", nameForLogging)
		return Result{Verdict: Clean}
	}

	if stripped, ok := strings.CutSuffix(response, " FOUND"); ok {
		signature := "unknown"
		if idx := strings.LastIndex(stripped, ": "); idx >= 0 {
			signature = stripped[idx+2:]
		}
		logger.Warnf("virus in %s: %s", nameForLogging, signature)
		return Result{Verdict: Infected, Signature: signature}
	}

	if strings.HasSuffix(response, "ERROR") {
		logger.Errorf("clamav error for %s: %s", nameForLogging, response)
		return Result{Verdict: Error}
	}

	logger.Errorf("unexpected clamav response: %s", response)
	return Result{Verdict: Error}
}

// Client is a connection to a ClamAV-compatible scanning daemon.
type Client struct {
	// Dial establishes a fresh connection to the scanner for each
	// operation, matching clamd's one-command-per-connection protocol.
	Dial   func() (net.Conn, error)
	Logger *logging.Logger
}

// NewLocalClient creates a Client that connects to a clamd command socket
// over a local Unix domain socket, used for FILDES-based TOCTOU-safe
// scanning on the host.
func NewLocalClient(socketPath string, logger *logging.Logger) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		Dial: func() (net.Conn, error) {
			return net.DialTimeout("unix", socketPath, dialTimeout)
		},
		Logger: logger,
	}
}

// ValidateAvailability pings the scanner and confirms it answers PONG. The
// gate daemon calls it once at startup and only logs a warning on failure;
// channels start either way.
func (c *Client) ValidateAvailability() error {
	conn, err := c.Dial()
	if err != nil {
		return errors.Wrap(err, "unable to connect to scanner")
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("nPING\n")); err != nil {
		return errors.Wrap(err, "unable to send ping")
	}

	buffer := make([]byte, 64)
	n, err := conn.Read(buffer)
	if err != nil {
		return errors.Wrap(err, "unable to read ping response")
	}

	response := strings.TrimSpace(strings.Trim(string(buffer[:n]), "\x00"))
	if response != "PONG" {
		return fmt.Errorf("unexpected ping response: %q", response)
	}
	return nil
}

// ScanPath opens path and scans it by file descriptor, so that the
// scanner inspects the exact bytes that were opened rather than
// re-resolving the path (TOCTOU-safe).
func (c *Client) ScanPath(path string) (Result, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Verdict: NotFound}, nil
		}
		c.Logger.Errorf("unable to open file for scanning: %v", err)
		return Result{Verdict: Error}, nil
	}
	defer file.Close()

	return c.ScanFile(file, path)
}

// ScanFile sends the FILDES command and passes file's descriptor to the
// scanner over SCM_RIGHTS (spec.md §4.4). pathForLogging is used only for
// log messages; the scanner never re-resolves it.
func (c *Client) ScanFile(file *os.File, pathForLogging string) (Result, error) {
	conn, err := c.Dial()
	if err != nil {
		c.Logger.Errorf("scanner connection error: %v", err)
		return Result{Verdict: Error}, nil
	}
	defer conn.Close()

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return Result{}, errors.New("FILDES scanning requires a Unix domain socket connection")
	}

	if _, err := unixConn.Write([]byte("nFILDES\n")); err != nil {
		c.Logger.Errorf("scanner connection error: %v", err)
		return Result{Verdict: Error}, nil
	}

	rights := unix.UnixRights(int(file.Fd()))
	if _, _, err := unixConn.WriteMsgUnix([]byte{0}, rights, nil); err != nil {
		c.Logger.Errorf("scanner connection error: %v", err)
		return Result{Verdict: Error}, nil
	}

	buffer := make([]byte, 4096)
	n, err := unixConn.Read(buffer)
	if err != nil {
		c.Logger.Errorf("scanner connection error: %v", err)
		return Result{Verdict: Error}, nil
	}

	response := strings.TrimSpace(strings.Trim(string(buffer[:n]), "\x00"))
	return ParseResponse(response, pathForLogging, c.Logger), nil
}

// ScanStream sends the INSTREAM command and streams source's contents to
// the scanner in length-prefixed chunks, terminated by a zero-length
// chunk, as required of any caller that cannot pass a file descriptor
// across a process or VM boundary (spec.md §4.4, §4.6). This is the path
// vclient uses when relaying through vproxy.
func (c *Client) ScanStream(source io.Reader, nameForLogging string) (Result, error) {
	conn, err := c.Dial()
	if err != nil {
		c.Logger.Errorf("scanner connection error: %v", err)
		return Result{Verdict: Error}, nil
	}
	defer conn.Close()

	if err := WriteInstream(conn, source); err != nil {
		c.Logger.Errorf("scanner connection error: %v", err)
		return Result{Verdict: Error}, nil
	}

	response, err := ReadResponse(conn)
	if err != nil {
		c.Logger.Errorf("scanner connection error: %v", err)
		return Result{Verdict: Error}, nil
	}

	return ParseResponse(response, nameForLogging, c.Logger), nil
}

// WriteInstream sends the nINSTREAM\n command followed by source's
// contents as big-endian u32 length-prefixed chunks, terminated by a
// zero-length chunk, per clamd's INSTREAM protocol.
func WriteInstream(conn net.Conn, source io.Reader) error {
	if _, err := conn.Write([]byte("nINSTREAM\n")); err != nil {
		return errors.Wrap(err, "unable to send instream command")
	}

	buffer := make([]byte, maxChunkSize)
	header := make([]byte, 4)
	for {
		n, err := source.Read(buffer)
		if n > 0 {
			binary.BigEndian.PutUint32(header, uint32(n))
			if _, err := conn.Write(header); err != nil {
				return errors.Wrap(err, "unable to write chunk header")
			}
			if _, err := conn.Write(buffer[:n]); err != nil {
				return errors.Wrap(err, "unable to write chunk body")
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "unable to read stream source")
		}
	}

	binary.BigEndian.PutUint32(header, 0)
	if _, err := conn.Write(header); err != nil {
		return errors.Wrap(err, "unable to write terminating chunk")
	}
	return nil
}

// ReadResponse reads a single clamd text response line, trimming the
// trailing newline and NUL the daemon may send depending on command
// prefix.
func ReadResponse(conn net.Conn) (string, error) {
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", errors.Wrap(err, "unable to read response")
	}
	return strings.TrimSpace(strings.Trim(line, "\x00")), nil
}
