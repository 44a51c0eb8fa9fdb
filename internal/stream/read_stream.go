// File: internal/stream/read_stream.go
//
// ReadStream is the read-side state machine of spec.md section 4.G,
// grounded on protocol/connection.go's WSConnection from the teacher repo
// for structural habits (small struct, explicit teardown, atomic byte
// counters), adapted from a goroutine-driven recvLoop to the single
// reactor-thread synchronous callback model spec.md section 5 mandates,
// and on original_source's ServerStreamFactory/ReadStream for the exact
// EOF/IOException-as-END and window/credit protocol.
package stream

import (
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/reaktive/tcp-nukleus/internal/counters"
	"github.com/reaktive/tcp-nukleus/internal/poller"
	"github.com/reaktive/tcp-nukleus/internal/target"
	"github.com/reaktive/tcp-nukleus/internal/wire"
)

// readState is the read-side state of spec.md section 4.G: readOpen until
// the stream emits END or is torn down abortively, then readClosed. There
// is no separate half-closed state; END moves straight to readClosed.
type readState uint8

const (
	readOpen readState = iota
	readClosed
)

// ReadStream drains socket bytes into DATA frames under a credit window
// (spec.md section 3).
type ReadStream struct {
	conn     *connState
	streamID uint64
	key      *poller.Key
	tgt      *target.Target
	counters *counters.Counters
	log      *logrus.Entry

	readBuf []byte
	window  uint32
	state   readState

	// peer is the WriteStream on the same TCP connection, wired once the
	// reply BEGIN arrives, so a fatal condition on either side tears
	// down both (spec.md section 9, cyclic wiring). nil until attached,
	// and nulled on teardown to break the cycle.
	peer crossPeer

	bytesEmitted atomic.Uint64
}

// NewReadStream constructs a ReadStream and enables OP_READ on key if the
// initial window admits it.
func NewReadStream(conn *connState, streamID uint64, tgt *target.Target,
	initialWindow uint32, c *counters.Counters, log *logrus.Entry) *ReadStream {

	rs := &ReadStream{
		conn:     conn,
		streamID: streamID,
		key:      conn.key,
		tgt:      tgt,
		counters: c,
		log:      log.WithField("stream", streamID).WithField("side", "read"),
		readBuf:  make([]byte, DefaultReadBufferSize),
		window:   initialWindow,
		state:    readOpen,
	}
	conn.key.SetHandler(poller.OpRead, rs.handleRead)
	if initialWindow > 0 {
		_ = conn.key.Enable(poller.OpRead)
	}
	c.StreamOpened()
	return rs
}

// SetPeer wires the correlated WriteStream for cross-connection teardown.
func (rs *ReadStream) SetPeer(p crossPeer) { rs.peer = p }

// handleRead is the poller.Handler for OP_READ.
func (rs *ReadStream) handleRead(k *poller.Key) (int, error) {
	if rs.state != readOpen {
		return 0, nil
	}

	n := int(rs.window)
	if n > len(rs.readBuf) {
		n = len(rs.readBuf)
	}
	if n == 0 {
		// window == 0 implies OP_READ was disabled; a readiness callback
		// here would be a poller bug, not a protocol condition.
		_ = k.Disable(poller.OpRead)
		return 0, nil
	}

	nread, err := unix.Read(rs.conn.fd, rs.readBuf[:n])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		// spec.md section 4.G: an IOException on read is treated
		// identically to EOF.
		rs.emitEnd()
		return 1, nil
	}
	if nread == 0 {
		rs.emitEnd()
		return 1, nil
	}

	payload := rs.readBuf[:nread]
	frame, encErr := wire.EncodeData(nil, rs.streamID, payload)
	if encErr != nil {
		// Can only happen if DefaultReadBufferSize > wire.MaxPayload,
		// a configuration bug rather than a runtime condition.
		rs.log.WithError(encErr).Error("read produced an over-size frame")
		rs.emitEnd()
		return 1, nil
	}
	if err := rs.tgt.Write(frame); err != nil {
		rs.log.WithError(err).Warn("target write failed, tearing down read side")
		rs.closeAbortive(false)
		return 1, nil
	}

	rs.window -= uint32(nread)
	rs.bytesEmitted.Add(uint64(nread))
	if rs.window == 0 {
		_ = k.Disable(poller.OpRead)
	}
	return 1, nil
}

// emitEnd sends END downstream and transitions to CLOSED.
func (rs *ReadStream) emitEnd() {
	if rs.state != readOpen {
		return
	}
	rs.state = readClosed
	frame := wire.EncodeEnd(nil, rs.streamID)
	if err := rs.tgt.Write(frame); err != nil {
		rs.log.WithError(err).Warn("failed to emit END")
	}
	// A clean EOF only half-closes this direction; it must not abort the
	// write half or the shared fd (spec.md section 4.G describes this
	// stream's own transition, not a connection-wide teardown).
	rs.conn.finishRead(false)
	rs.finish(false)
}

// HandleReset implements Throttle: a genuine RESET arriving on this
// stream's own throttle from downstream abortively closes the socket
// (spec.md section 4.G) and propagates to the correlated WriteStream.
func (rs *ReadStream) HandleReset() {
	rs.closeAbortive(true)
}

// resetFromPeer implements crossPeer: the correlated WriteStream already
// failed and the shared socket is gone, so this half just settles its own
// bookkeeping without re-propagating (spec.md section 9).
func (rs *ReadStream) resetFromPeer() {
	rs.closeAbortive(false)
}

// HandleWindow implements Throttle: adds credit, re-enabling OP_READ if
// the window transitions from zero to positive. A negative credit is a
// protocol violation and is treated as if RESET had arrived
// (spec.md section 9, open question).
func (rs *ReadStream) HandleWindow(credit int32) {
	if rs.state != readOpen {
		return
	}
	if credit < 0 {
		rs.log.WithField("credit", credit).Warn("negative WINDOW credit, treating as RESET")
		rs.HandleReset()
		return
	}
	wasZero := rs.window == 0
	rs.window += uint32(credit)
	if wasZero && rs.window > 0 {
		_ = rs.key.Enable(poller.OpRead)
	}
}

// closeAbortive tears the read half down with an RST and, when
// notifyPeer is set, propagates to the correlated WriteStream.
func (rs *ReadStream) closeAbortive(notifyPeer bool) {
	if rs.state != readOpen {
		return
	}
	rs.state = readClosed
	rs.conn.finishRead(true)
	rs.finish(notifyPeer)
}

// finish releases the peer reference and updates counters, common to
// every teardown path (clean or abortive).
func (rs *ReadStream) finish(notifyPeer bool) {
	rs.counters.StreamClosed()
	if notifyPeer && rs.peer != nil {
		p := rs.peer
		rs.peer = nil
		p.resetFromPeer()
	} else {
		rs.peer = nil
	}
}

// BytesEmitted returns the cumulative payload bytes emitted downstream,
// for tests asserting spec.md's round-trip and invariant properties.
func (rs *ReadStream) BytesEmitted() uint64 { return rs.bytesEmitted.Load() }
