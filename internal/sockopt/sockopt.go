// Package sockopt provides the small set of raw socket operations the
// adapter needs beyond what net.TCPConn exposes directly: extracting a
// raw file descriptor for poller registration, non-blocking mode, and
// abortive close (SO_LINGER=0, spec.md's "Abortive close").
//
// Grounded on examples/reactor_echo/main.go's getFD helper (SyscallConn +
// raw.Control) from the teacher repo, extended with golang.org/x/sys/unix
// socket options the teacher's example did not need.
package sockopt

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// FD extracts the raw file descriptor backing a *net.TCPConn, for
// registration with the poller.
func FD(c *net.TCPConn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("sockopt: SyscallConn: %w", err)
	}
	var fd int
	var ctrlErr error
	err = raw.Control(func(f uintptr) {
		fd = int(f)
	})
	if err != nil {
		return 0, fmt.Errorf("sockopt: Control: %w", err)
	}
	return fd, ctrlErr
}

// ListenerFD extracts the raw file descriptor backing a *net.TCPListener.
func ListenerFD(l *net.TCPListener) (int, error) {
	raw, err := l.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("sockopt: SyscallConn: %w", err)
	}
	var fd int
	err = raw.Control(func(f uintptr) {
		fd = int(f)
	})
	if err != nil {
		return 0, fmt.Errorf("sockopt: Control: %w", err)
	}
	return fd, nil
}

// SetNonblocking puts fd into non-blocking mode, required before
// registering with the poller (spec.md section 5, "Socket I/O uses
// non-blocking mode").
func SetNonblocking(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("sockopt: set nonblock: %w", err)
	}
	return nil
}

// AbortiveClose sets SO_LINGER to zero (forcing a TCP RST on close) and
// closes fd, per spec.md's "Abortive close" glossary entry.
func AbortiveClose(fd int) error {
	linger := unix.Linger{Onoff: 1, Linger: 0}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &linger); err != nil {
		return fmt.Errorf("sockopt: set linger: %w", err)
	}
	return unix.Close(fd)
}
