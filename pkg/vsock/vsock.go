// Package vsock provides minimal AF_VSOCK dial and listen helpers for
// guest-to-host communication (spec.md §4.5, §4.6). golang.org/x/sys/unix
// exposes the raw SockaddrVM type directly; this package wraps it in the
// net.Conn/net.Listener shapes the rest of the daemon expects, the way
// mutagen's pkg/agent/transport implementations wrap raw platform
// transports behind the standard net interfaces.
package vsock

import (
	"fmt"
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Well-known context IDs, mirroring VMADDR_CID_* from linux/vm_sockets.h.
const (
	CIDAny        = unix.VMADDR_CID_ANY
	CIDHypervisor = unix.VMADDR_CID_HYPERVISOR
	CIDLocal      = unix.VMADDR_CID_LOCAL
	CIDHost       = unix.VMADDR_CID_HOST
)

// Addr identifies a vsock endpoint by context ID and port.
type Addr struct {
	CID  uint32
	Port uint32
}

// Network implements net.Addr.Network.
func (Addr) Network() string { return "vsock" }

// String implements net.Addr.String.
func (a Addr) String() string { return fmt.Sprintf("vsock:%d:%d", a.CID, a.Port) }

// conn wraps an AF_VSOCK socket file descriptor as a net.Conn.
type conn struct {
	*os.File
	local, remote Addr
}

func (c *conn) LocalAddr() net.Addr  { return c.local }
func (c *conn) RemoteAddr() net.Addr { return c.remote }

// Dial connects to the given context ID and port.
func Dial(cid, port uint32) (net.Conn, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create vsock socket")
	}

	if err := unix.Connect(fd, &unix.SockaddrVM{CID: cid, Port: port}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "unable to connect vsock socket")
	}

	file := os.NewFile(uintptr(fd), "vsock")
	return &conn{File: file, remote: Addr{CID: cid, Port: port}}, nil
}

// listener implements net.Listener over an AF_VSOCK listening socket.
type listener struct {
	fd   int
	file *os.File
	addr Addr
}

// Listen binds and listens on the given context ID (typically CIDAny on
// the guest side) and port.
func Listen(cid, port uint32) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create vsock socket")
	}

	if err := unix.Bind(fd, &unix.SockaddrVM{CID: cid, Port: port}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "unable to bind vsock socket")
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "unable to listen on vsock socket")
	}

	return &listener{fd: fd, file: os.NewFile(uintptr(fd), "vsock-listener"), addr: Addr{CID: cid, Port: port}}, nil
}

// Accept implements net.Listener.Accept.
func (l *listener) Accept() (net.Conn, error) {
	nfd, sa, err := unix.Accept(l.fd)
	if err != nil {
		return nil, errors.Wrap(err, "unable to accept vsock connection")
	}

	remote := Addr{}
	if vm, ok := sa.(*unix.SockaddrVM); ok {
		remote = Addr{CID: vm.CID, Port: vm.Port}
	}

	file := os.NewFile(uintptr(nfd), "vsock")
	return &conn{File: file, local: l.addr, remote: remote}, nil
}

// Close implements net.Listener.Close.
func (l *listener) Close() error {
	return l.file.Close()
}

// Addr implements net.Listener.Addr.
func (l *listener) Addr() net.Addr {
	return l.addr
}
