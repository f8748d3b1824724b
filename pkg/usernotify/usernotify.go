// Package usernotify sends best-effort infection/error notifications to a
// local Unix socket so that a UI agent can surface them (spec.md §7,
// "User-visible behaviour"). If the socket does not exist or refuses the
// connection, the event is dropped silently — this channel is advisory
// only and must never affect the propagation pipeline.
package usernotify

import (
	"fmt"
	"net"
	"time"

	"github.com/tiiuae/ghaf-virtiofs-tools/pkg/logging"
)

const dialTimeout = 2 * time.Second

// Client sends one-line notifications to a configured socket path.
type Client struct {
	Socket  string
	Enable  bool
	Logger  *logging.Logger
}

// New creates a Client for the given socket path. Enable false makes every
// method a no-op, matching a channel's userNotify.enable=false setting.
func New(socket string, enable bool, logger *logging.Logger) *Client {
	return &Client{Socket: socket, Enable: enable, Logger: logger}
}

// NotifyInfected reports a detected infection, using the exact wording
// spec.md §8's end-to-end scenario 2 specifies.
func (c *Client) NotifyInfected(path, signature string) {
	c.send(fmt.Sprintf("Malware %s was detected in file: %s\n", signature, path))
}

// NotifyError reports a scan error.
func (c *Client) NotifyError(path, message string) {
	c.send(fmt.Sprintf("Scan error for file %s: %s\n", path, message))
}

func (c *Client) send(message string) {
	if !c.Enable || c.Socket == "" {
		return
	}

	conn, err := net.DialTimeout("unix", c.Socket, dialTimeout)
	if err != nil {
		c.Logger.Debugf("user-notify socket unavailable: %v", err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(message)); err != nil {
		c.Logger.Debugf("user-notify write failed: %v", err)
	}
}
