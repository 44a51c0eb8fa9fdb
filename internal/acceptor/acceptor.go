// Package acceptor implements spec.md section 4.D: one listening socket
// per unique (localAddress, port) pair, handing each accepted connection
// to the route table and, on a match, the stream factory.
//
// Grounded on examples/reactor_echo/main.go's accept loop from the teacher
// repo (net.Listen, AcceptTCP, register with the reactor), adapted from a
// blocking Accept-loop-per-goroutine into a single non-blocking listener
// fd registered with the shared poller for OP_READ readiness, matching
// spec.md section 5's single-reactor-thread model.
package acceptor

import (
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/reaktive/tcp-nukleus/internal/poller"
	"github.com/reaktive/tcp-nukleus/internal/route"
	"github.com/reaktive/tcp-nukleus/internal/sockopt"
	"github.com/reaktive/tcp-nukleus/internal/target"
)

// StreamFactory is the subset of internal/stream.Factory the acceptor
// depends on, kept narrow to avoid a package cycle (internal/stream never
// needs to import internal/acceptor).
type StreamFactory interface {
	OnAccepted(p *poller.Poller, conn *net.TCPConn, matched route.Route, tgt *target.Target) error
}

// Acceptor owns the listening sockets for every distinct routeServer bind
// address and dispatches accepted connections against the route table.
type Acceptor struct {
	poller   *poller.Poller
	routes   *route.Table
	factory  StreamFactory
	targets  *target.Registry
	sourceID string
	log      *logrus.Entry

	listeners map[string]*boundListener
}

// boundListener pairs an open listening socket with the sourceRef
// routeServer minted for it (spec.md section 6), so acceptOne can stamp
// every connection accepted on that socket with its real route-table key
// instead of a hardcoded placeholder.
type boundListener struct {
	ln        *net.TCPListener
	sourceRef uint64
}

// New returns an Acceptor bound to poller p, resolving accepted
// connections against routes and dispatching matches to factory.
// sourceName identifies this nukleus instance for route matching
// (spec.md section 4.C's Event.sourceName).
func New(p *poller.Poller, routes *route.Table, factory StreamFactory,
	targets *target.Registry, sourceName string, log *logrus.Entry) *Acceptor {

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Acceptor{
		poller:    p,
		routes:    routes,
		factory:   factory,
		targets:   targets,
		sourceID:  sourceName,
		log:       log.WithField("component", "acceptor"),
		listeners: make(map[string]*boundListener),
	}
}

// Bind opens a listening socket for addr (if one is not already open for
// that exact address string) and registers it with the poller for
// OP_READ readiness, treated as "ready to accept" (spec.md section 4.D:
// "Binds a listening socket per unique (localAddress, port) triple").
// sourceRef is the value routeServer minted for the route this listener
// serves (spec.md section 6); every connection accepted here is resolved
// against the route table under that exact reference.
func (a *Acceptor) Bind(addr string, sourceRef uint64) error {
	if _, exists := a.listeners[addr]; exists {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("acceptor: listen %s: %w", addr, err)
	}
	tln := ln.(*net.TCPListener)
	fd, err := sockopt.ListenerFD(tln)
	if err != nil {
		_ = tln.Close()
		return fmt.Errorf("acceptor: %w", err)
	}
	if err := sockopt.SetNonblocking(fd); err != nil {
		_ = tln.Close()
		return fmt.Errorf("acceptor: %w", err)
	}
	key, err := a.poller.Register(fd)
	if err != nil {
		_ = tln.Close()
		return fmt.Errorf("acceptor: %w", err)
	}
	key.SetHandler(poller.OpRead, func(k *poller.Key) (int, error) {
		return a.acceptOne(tln, sourceRef)
	})
	if err := key.Enable(poller.OpRead); err != nil {
		_ = tln.Close()
		return fmt.Errorf("acceptor: %w", err)
	}

	a.listeners[addr] = &boundListener{ln: tln, sourceRef: sourceRef}
	a.log.WithField("addr", addr).WithField("sourceRef", sourceRef).Info("listening")
	return nil
}

// Addr returns the resolved local address of the listener opened for
// bindAddr, e.g. to discover the OS-assigned port after binding ":0".
func (a *Acceptor) Addr(bindAddr string) (net.Addr, bool) {
	bl, ok := a.listeners[bindAddr]
	if !ok {
		return nil, false
	}
	return bl.ln.Addr(), true
}

// acceptOne drains exactly one pending connection from ln's accept queue.
// The poller will re-invoke this handler while more connections remain
// ready, so acceptOne need not loop itself. sourceRef is the reference
// routeServer minted for ln (see Bind), stamped onto the accept Event so
// two routeServer calls for the same source name never collapse onto the
// same bucket.
func (a *Acceptor) acceptOne(ln *net.TCPListener, sourceRef uint64) (int, error) {
	conn, err := ln.AcceptTCP()
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		return 0, fmt.Errorf("acceptor: accept: %w", err)
	}

	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		_ = conn.Close()
		return 1, nil
	}
	ev := route.Event{SourceName: a.sourceID, SourceRef: sourceRef, Peer: remote.IP}
	matched, ok := a.routes.Resolve(ev, func(r route.Route) bool { return r.Kind == route.KindServer })
	if !ok {
		a.log.WithField("peer", remote).Debug("no matching route, closing")
		_ = conn.Close()
		return 1, nil
	}

	tgt := a.targets.Get(matched.TargetName)
	if err := a.factory.OnAccepted(a.poller, conn, matched, tgt); err != nil {
		a.log.WithError(err).Warn("onAccepted failed")
	}
	return 1, nil
}

// Close closes every open listener.
func (a *Acceptor) Close() error {
	var firstErr error
	for addr, bl := range a.listeners {
		if err := bl.ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.listeners, addr)
	}
	return firstErr
}
