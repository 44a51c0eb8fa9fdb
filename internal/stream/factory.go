// File: internal/stream/factory.go
//
// Factory implements spec.md section 4.I: wiring a freshly accepted or
// freshly connected TCP socket into a ReadStream, emitting BEGIN to the
// resolved target, and later attaching a WriteStream once the matching
// reply BEGIN arrives.
//
// Grounded on original_source's ServerStreamFactory (onAccepted /
// doConnectionEstablished / correlations map) and Reader.java's
// doRouteAccept, generalized to a single onAccepted entry point shared by
// the accept and connect paths, matching spec.md's "Client factory is
// symmetric with the Connector inserted before BEGIN emission."
package stream

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/reaktive/tcp-nukleus/internal/correlation"
	"github.com/reaktive/tcp-nukleus/internal/counters"
	"github.com/reaktive/tcp-nukleus/internal/ids"
	"github.com/reaktive/tcp-nukleus/internal/pool"
	"github.com/reaktive/tcp-nukleus/internal/poller"
	"github.com/reaktive/tcp-nukleus/internal/route"
	"github.com/reaktive/tcp-nukleus/internal/sockopt"
	"github.com/reaktive/tcp-nukleus/internal/target"
	"github.com/reaktive/tcp-nukleus/internal/wire"
)

// InitialWindow is the credit a ReadStream starts with, and the credit a
// WriteStream grants upstream once doConnected runs. spec.md leaves the
// initial window size unspecified beyond "some initial value"; the
// reference implementation uses one read-buffer's worth so a producer
// stops after one downstream tick until the first WINDOW correction.
const InitialWindow = DefaultReadBufferSize

// Factory owns the per-nukleus-instance registries a ReadStream/WriteStream
// pair is threaded through: the throttle registry (RESET/WINDOW), the
// consumer registry (DATA/END/ABORT), and the correlation registry pairing
// an outbound BEGIN with its reply.
type Factory struct {
	seq          *ids.Sequence
	corrSeq      *ids.Sequence
	correlations *correlation.Registry
	throttles    *Registry
	consumers    *ConsumerRegistry
	arena        *pool.Arena
	counters     *counters.Counters
	log          *logrus.Entry

	// pendingReads holds ReadStreams awaiting their reply BEGIN, keyed by
	// their own stream id, so the factory can cross-wire without
	// internal/correlation needing to know about ReadStream at all.
	pendingReads map[uint64]*ReadStream
}

// NewFactory constructs a Factory. arena is shared across every WriteStream
// this factory creates (spec.md section 5, "buffer pool ... single-threaded
// within a reactor").
func NewFactory(streamSeq, correlationSeq *ids.Sequence, arena *pool.Arena,
	c *counters.Counters, log *logrus.Entry) *Factory {

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Factory{
		seq:          streamSeq,
		corrSeq:      correlationSeq,
		correlations: correlation.New(),
		throttles:    NewRegistry(),
		consumers:    NewConsumerRegistry(),
		arena:        arena,
		counters:     c,
		log:          log.WithField("component", "stream-factory"),
		pendingReads: make(map[uint64]*ReadStream),
	}
}

// Throttles exposes the RESET/WINDOW dispatch table for the reactor's
// per-target decode loop.
func (f *Factory) Throttles() *Registry { return f.throttles }

// Consumers exposes the DATA/END/ABORT dispatch table for the reactor's
// per-target decode loop.
func (f *Factory) Consumers() *ConsumerRegistry { return f.consumers }

// OnAccepted implements spec.md section 4.I's server factory: wires a
// freshly accepted (or freshly connected, for the client path) socket into
// a new ReadStream, emits BEGIN to the resolved target with the
// local/remote addresses encoded, and stores a Correlation awaiting the
// reply BEGIN. matched is the resolved Route; its SourceRef is sent as
// the BEGIN's referenceId.
func (f *Factory) OnAccepted(p *poller.Poller, conn *net.TCPConn, matched route.Route,
	tgt *target.Target) error {

	fd, err := sockopt.FD(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("stream: onAccepted: %w", err)
	}
	if err := sockopt.SetNonblocking(fd); err != nil {
		_ = conn.Close()
		return fmt.Errorf("stream: onAccepted: %w", err)
	}
	key, err := p.Register(fd)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("stream: onAccepted: %w", err)
	}

	cs := newConnState(fd, key)
	streamID := f.seq.Next()
	correlationID := f.corrSeq.Next()

	rs := NewReadStream(cs, streamID, tgt, InitialWindow, f.counters, f.log)
	f.throttles.Set(streamID, rs)
	f.pendingReads[streamID] = rs

	key.OnCancel(func() {
		f.throttles.Remove(streamID)
		f.consumers.Remove(streamID)
		delete(f.pendingReads, streamID)
		f.correlations.Sweep(func(c correlation.Correlation) bool {
			return c.Socket != conn
		})
	})

	begin := wire.Begin{
		StreamID:      streamID,
		ReferenceID:   matched.SourceRef,
		CorrelationID: correlationID,
		Extension:     encodeAddresses(conn),
	}
	if err := tgt.Write(wire.EncodeBegin(nil, begin)); err != nil {
		key.Cancel()
		return fmt.Errorf("stream: onAccepted: emit BEGIN: %w", err)
	}

	f.correlations.Put(correlationID, correlation.Correlation{
		SourceName:         matched.SourceName,
		Socket:             conn,
		TargetName:         matched.TargetName,
		CorrelatedStreamID: streamID,
	})
	return nil
}

// OnReplyBegin implements spec.md section 4.I's "receipt of reply BEGIN"
// contract: sourceRef == 0 identifies a reply, correlationId looks up the
// waiting ReadStream, and a WriteStream is constructed and cross-wired to
// it. If no Correlation is found, RESET is emitted on the throttle for the
// stream id the reply BEGIN itself carries (there is no read side to
// cross-wire in that case).
func (f *Factory) OnReplyBegin(b wire.Begin, tgt *target.Target) error {
	c, ok := f.correlations.Remove(b.CorrelationID)
	if !ok {
		f.log.WithField("correlation", b.CorrelationID).Warn("reply BEGIN for unknown correlation")
		if err := tgt.Write(wire.EncodeReset(nil, b.StreamID)); err != nil {
			return fmt.Errorf("stream: onReplyBegin: emit RESET: %w", err)
		}
		return nil
	}

	rs, ok := f.pendingReads[c.CorrelatedStreamID]
	if !ok {
		// The ReadStream already tore down (its key's OnCancel already
		// swept this correlation, so this branch is defensive only).
		return nil
	}
	delete(f.pendingReads, c.CorrelatedStreamID)

	ws := NewWriteStream(rs.conn, b.StreamID, tgt, f.arena, f.counters, f.log)
	f.consumers.Set(b.StreamID, ws)
	f.throttles.Set(b.StreamID, ws)
	ws.key.OnCancel(func() {
		f.consumers.Remove(b.StreamID)
		f.throttles.Remove(b.StreamID)
	})

	ws.SetPeer(rs)
	rs.SetPeer(ws)
	ws.DoConnected(InitialWindow)
	return nil
}

// encodeAddresses packs the local and remote TCP addresses of conn into a
// BEGIN frame's Extension field, per spec.md section 4.B's
// "{streamId, referenceId, correlationId, localAddress, remoteAddress}".
// Encoding is deliberately minimal: 1-byte length prefix plus the raw
// bytes of each address' IP, since this repository never needs to decode
// them back out (they are transport metadata for the downstream target).
func encodeAddresses(conn *net.TCPConn) []byte {
	local, _ := conn.LocalAddr().(*net.TCPAddr)
	remote, _ := conn.RemoteAddr().(*net.TCPAddr)
	out := make([]byte, 0, 34)
	out = appendAddr(out, local)
	out = appendAddr(out, remote)
	return out
}

func appendAddr(dst []byte, addr *net.TCPAddr) []byte {
	if addr == nil {
		return append(dst, 0)
	}
	ip := addr.IP.To16()
	dst = append(dst, byte(len(ip)))
	dst = append(dst, ip...)
	return dst
}
