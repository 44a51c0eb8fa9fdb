// Package connector implements spec.md section 4.E: when downstream opens
// an OUTPUT stream (a BEGIN with non-zero sourceRef against a routeClient
// entry), it dials a non-blocking outbound socket and, on success, hands
// off to the stream factory exactly like the accept path.
//
// Grounded on examples/reactor_echo/main.go's non-blocking-socket habits
// from the teacher repo, adapted from accept-readiness to
// connect-readiness: a Go net.Dialer with a zero timeout still blocks the
// calling goroutine during the three-way handshake, so this package uses
// unix.Connect directly and registers OP_WRITE as the OS's
// connect-completion signal, mirroring the original's OP_CONNECT.
package connector

import (
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/reaktive/tcp-nukleus/internal/poller"
	"github.com/reaktive/tcp-nukleus/internal/route"
	"github.com/reaktive/tcp-nukleus/internal/target"
	"github.com/reaktive/tcp-nukleus/internal/wire"
)

// StreamFactory is the subset of internal/stream.Factory the connector
// depends on, mirroring internal/acceptor.StreamFactory.
type StreamFactory interface {
	OnAccepted(p *poller.Poller, conn *net.TCPConn, matched route.Route, tgt *target.Target) error
}

// Connector dials outbound sockets for routeClient matches.
type Connector struct {
	poller  *poller.Poller
	factory StreamFactory
	targets *target.Registry
	log     *logrus.Entry
}

// New returns a Connector driven by poller p.
func New(p *poller.Poller, factory StreamFactory, targets *target.Registry, log *logrus.Entry) *Connector {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Connector{poller: p, factory: factory, targets: targets, log: log.WithField("component", "connector")}
}

// Connect implements spec.md section 4.E: dials matched.Address as a
// non-blocking TCP connect and, on success, wires the socket into the
// stream factory. If the route address is unusable or the connect fails
// (at once or on completion), a RESET for resetSourceStream is emitted on
// tgt so the downstream initiator learns the OUTPUT stream failed. Errors
// creating or registering the socket are returned without a RESET.
func (c *Connector) Connect(matched route.Route, resetSourceStream uint64, tgt *target.Target) error {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("connector: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("connector: set nonblock: %w", err)
	}

	sa, err := toSockaddr(matched)
	if err != nil {
		_ = unix.Close(fd)
		c.emitFailure(resetSourceStream, tgt)
		return err
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		c.emitFailure(resetSourceStream, tgt)
		return fmt.Errorf("connector: connect: %w", err)
	}

	key, regErr := c.poller.Register(fd)
	if regErr != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("connector: %w", regErr)
	}
	key.SetHandler(poller.OpWrite, func(k *poller.Key) (int, error) {
		return c.onWritable(k, fd, matched, resetSourceStream, tgt)
	})
	if err := key.Enable(poller.OpWrite); err != nil {
		key.Cancel()
		return fmt.Errorf("connector: %w", err)
	}
	return nil
}

// onWritable fires once the outbound socket's connect() completes,
// success or failure signalled by SO_ERROR (the standard non-blocking
// connect-completion idiom).
func (c *Connector) onWritable(k *poller.Key, fd int, matched route.Route,
	resetSourceStream uint64, tgt *target.Target) (int, error) {

	k.Cancel()
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soErr != 0 {
		_ = unix.Close(fd)
		c.emitFailure(resetSourceStream, tgt)
		return 1, nil
	}

	file := os.NewFile(uintptr(fd), "nukleus-outbound")
	conn, err := net.FileConn(file)
	_ = file.Close()
	if err != nil {
		_ = unix.Close(fd)
		c.emitFailure(resetSourceStream, tgt)
		return 1, nil
	}
	tconn, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		c.emitFailure(resetSourceStream, tgt)
		return 1, nil
	}

	if err := c.factory.OnAccepted(c.poller, tconn, matched, tgt); err != nil {
		c.log.WithError(err).Warn("onAccepted failed for outbound connection")
	}
	return 1, nil
}

func (c *Connector) emitFailure(streamID uint64, tgt *target.Target) {
	if err := tgt.Write(wire.EncodeReset(nil, streamID)); err != nil {
		c.log.WithError(err).Warn("failed to emit RESET after connect failure")
	}
}

func toSockaddr(matched route.Route) (unix.Sockaddr, error) {
	if matched.Address.IsWildcard() {
		return nil, fmt.Errorf("connector: routeClient target address must not be wildcard")
	}
	ip := net.ParseIP(matched.Address.String())
	if ip == nil {
		return nil, fmt.Errorf("connector: invalid target address %q", matched.Address.String())
	}
	var addr [16]byte
	copy(addr[:], ip.To16())
	return &unix.SockaddrInet6{Port: int(matched.TargetRef), Addr: addr}, nil
}
