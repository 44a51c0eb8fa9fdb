// Package nukleus is the composition root: it wires the poller,
// acceptor, connector, route table, correlation registry, stream
// factory and counters into one running reactor loop per spec.md
// section 5's "single cooperative reactor thread per nukleus instance."
//
// Grounded on facade/hioload.go's HioloadWS (immutable Config in,
// subsystems assembled in New, Start/Stop lifecycle, mu-guarded started
// flag) and server/server.go's NewServer, adapted from hioload's
// many-subsystem WebSocket facade to this adapter's narrower reactor +
// route table + stream factory graph.
package nukleus

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/reaktive/tcp-nukleus/internal/acceptor"
	"github.com/reaktive/tcp-nukleus/internal/config"
	"github.com/reaktive/tcp-nukleus/internal/connector"
	"github.com/reaktive/tcp-nukleus/internal/control"
	"github.com/reaktive/tcp-nukleus/internal/counters"
	"github.com/reaktive/tcp-nukleus/internal/ids"
	"github.com/reaktive/tcp-nukleus/internal/poller"
	"github.com/reaktive/tcp-nukleus/internal/pool"
	"github.com/reaktive/tcp-nukleus/internal/route"
	"github.com/reaktive/tcp-nukleus/internal/stream"
	"github.com/reaktive/tcp-nukleus/internal/target"
	"github.com/reaktive/tcp-nukleus/internal/wire"
)

// Nukleus is one running instance of the TCP transport adapter: a reactor
// thread, its poller, and the route/stream/target state that thread owns
// exclusively (spec.md section 5).
type Nukleus struct {
	cfg       *config.Config
	poller    *poller.Poller
	routes    *route.Table
	targets   *target.Registry
	factory   *stream.Factory
	acceptor  *acceptor.Acceptor
	connector *connector.Connector
	control   *control.Surface
	counters  *counters.Counters
	log       *logrus.Entry

	mu      sync.Mutex
	started bool
	stop    chan struct{}
}

// New assembles a Nukleus from cfg. newSink is the collaborator that
// turns a target name into the out-of-scope framed-fabric writer
// (internal/target.Sink); the composition root — not this package —
// decides what that actually is (ring buffer, test recorder, ...).
func New(cfg *config.Config, newSink func(name string) target.Sink, log *logrus.Entry) (*Nukleus, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("nukleus", cfg.SourceName)

	backend, err := poller.NewEpollBackend()
	if err != nil {
		return nil, fmt.Errorf("nukleus: %w", err)
	}
	p := poller.New(backend, log)

	arena := pool.NewArena(cfg.ArenaSlots, cfg.ArenaSlotBytes)
	c := counters.New()
	routes := route.NewTable()
	targets := target.NewRegistry(newSink)
	factory := stream.NewFactory(ids.NewSequence(), ids.NewSequence(), arena, c, log)

	n := &Nukleus{
		cfg:      cfg,
		poller:   p,
		routes:   routes,
		targets:  targets,
		factory:  factory,
		control:  control.New(routes, ids.NewSequence(), c, log),
		counters: c,
		log:      log,
		stop:     make(chan struct{}),
	}
	n.acceptor = acceptor.New(p, routes, factory, targets, cfg.SourceName, log)
	n.connector = connector.New(p, factory, targets, log)

	for _, r := range cfg.Routes {
		if err := n.installStaticRoute(r); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Nukleus) installStaticRoute(r config.StaticRoute) error {
	addr := route.Wildcard()
	if r.Address != "*" && r.Address != "" {
		ip := net.ParseIP(r.Address)
		if ip == nil {
			return fmt.Errorf("nukleus: invalid route address %q", r.Address)
		}
		addr = route.Host(ip)
	}

	switch r.Kind {
	case "server":
		result := n.control.Apply(control.Command{
			Verb: control.VerbRouteServer,
			Route: route.Route{
				SourceName: n.cfg.SourceName,
				TargetName: r.TargetName,
				TargetRef:  uint64(r.Port),
				Address:    addr,
				Kind:       route.KindServer,
			},
		})
		if result.Err != nil {
			return fmt.Errorf("nukleus: install static server route: %w", result.Err)
		}
		bindHost := r.Address
		if bindHost == "*" || bindHost == "" {
			bindHost = ""
		}
		return n.acceptor.Bind(fmt.Sprintf("%s:%d", bindHost, r.Port), result.SourceRef)
	case "client":
		result := n.control.Apply(control.Command{
			Verb: control.VerbRouteClient,
			Route: route.Route{
				SourceName: n.cfg.SourceName,
				TargetName: r.TargetName,
				TargetRef:  uint64(r.Port),
				Address:    addr,
				Kind:       route.KindClientNew,
			},
		})
		if result.Err != nil {
			return fmt.Errorf("nukleus: install static client route: %w", result.Err)
		}
		return nil
	default:
		return fmt.Errorf("nukleus: unknown static route kind %q", r.Kind)
	}
}

// Control exposes the runtime route-install/route-remove surface
// (spec.md section 4.C, via internal/control).
func (n *Nukleus) Control() *control.Surface { return n.control }

// Acceptor exposes the listener set, mainly so callers (and tests) can
// discover an OS-assigned port after binding ":0".
func (n *Nukleus) Acceptor() *acceptor.Acceptor { return n.acceptor }

// Counters exposes the process-visible metrics (spec.md section 6).
func (n *Nukleus) Counters() *counters.Counters { return n.counters }

// Connect drives the connector for a routeClient stream open, matching
// spec.md section 4.E's entry point ("when downstream opens an OUTPUT
// stream"). sourceStreamID is the stream id RESET is emitted against on
// failure.
func (n *Nukleus) Connect(matched route.Route, sourceStreamID uint64) error {
	tgt := n.targets.Get(matched.TargetName)
	return n.connector.Connect(matched, sourceStreamID, tgt)
}

// DispatchFromTarget decodes and routes one frame arriving from
// targetName back into this nukleus's throttle/consumer registries:
// RESET/WINDOW to the Throttle registry, DATA/END/ABORT to the Consumer
// registry, a reply BEGIN (referenceId/sourceRef == 0) to the stream
// factory (spec.md section 4.I), and a fresh OUTPUT BEGIN (non-zero
// referenceId) to the connector (spec.md section 4.E). targetName
// identifies which downstream target the reply travels back over, in
// case a RESET must be emitted for an unknown correlation or an
// unroutable OUTPUT open.
func (n *Nukleus) DispatchFromTarget(targetName string, frame []byte) error {
	d, err := wire.Decode(frame)
	if err != nil {
		return fmt.Errorf("nukleus: decode: %w", err)
	}
	switch d.Type {
	case wire.TypeReset, wire.TypeWindow:
		n.factory.Throttles().Dispatch(d)
	case wire.TypeData, wire.TypeEnd, wire.TypeAbort:
		return n.factory.Consumers().Dispatch(d)
	case wire.TypeBegin:
		if d.Begin.ReferenceID == 0 {
			return n.factory.OnReplyBegin(d.Begin, n.targets.Get(targetName))
		}
		return n.onOutputBegin(targetName, d.Begin)
	}
	return nil
}

// onOutputBegin implements spec.md section 4.E's "when downstream opens
// an OUTPUT stream (BEGIN with non-zero sourceRef)": resolve a
// routeClient entry by sourceRef and hand off to the connector. If no
// route matches, the reply-stream contract is violated (spec.md section
// 7, "Invalid inbound frame | Non-zero sourceRef on reply stream | Emit
// RESET; raise logical error"), matching original_source's
// ServerStreamFactory.newStream: doReset on the throttle, then a logical
// error rather than a silently dropped frame.
func (n *Nukleus) onOutputBegin(targetName string, b wire.Begin) error {
	pred := route.And(
		route.SourceMatches(n.cfg.SourceName),
		route.SourceRefMatches(b.ReferenceID),
		func(r route.Route) bool { return r.Kind == route.KindClientNew },
	)
	matched, ok := n.routes.ResolveAny(pred)
	if !ok {
		if werr := n.targets.Get(targetName).Write(wire.EncodeReset(nil, b.StreamID)); werr != nil {
			return fmt.Errorf("nukleus: onOutputBegin: emit RESET: %w", werr)
		}
		return fmt.Errorf("nukleus: stream %d is not a reply stream, referenceId %d is non-zero and no client route matches", b.StreamID, b.ReferenceID)
	}
	return n.Connect(matched, b.StreamID)
}

// PollOnce drives a single readiness cycle, for callers that want to step
// the reactor manually rather than hand it a goroutine via Run (e.g.
// tests interleaving DispatchFromTarget calls on the same thread that
// owns the reactor state, per spec.md section 5).
func (n *Nukleus) PollOnce(timeoutMs int) (int, error) {
	return n.poller.PollOnce(timeoutMs)
}

// Run drives pollOnce in a loop until Stop is called, servicing the
// reactor thread (spec.md section 5). It is the caller's responsibility
// to run Run on its own goroutine; Nukleus itself never spawns one,
// matching the single-reactor-thread model.
func (n *Nukleus) Run() error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = true
	n.mu.Unlock()

	for {
		select {
		case <-n.stop:
			return nil
		default:
		}
		if _, err := n.poller.PollOnce(n.cfg.PollTimeoutMillis); err != nil {
			n.log.WithError(err).Warn("poll error")
		}
	}
}

// Stop halts Run and releases the poller's OS resources. Idempotent.
func (n *Nukleus) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}
	close(n.stop)
	n.started = false
	if err := n.acceptor.Close(); err != nil {
		n.log.WithError(err).Warn("error closing listeners")
	}
	return n.poller.Close()
}
