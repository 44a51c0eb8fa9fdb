// File: internal/stream/write_stream.go
//
// WriteStream is the write-side state machine of spec.md section 4.H:
// CONNECTED -> WRITING -> PENDING (partial) -> WRITING -> ... ->
// HALF_CLOSED_IN -> CLOSED.
//
// Grounded on protocol/connection.go's WSConnection (sendLoop's
// encode-then-transport.Send shape) generalized to a single reactor
// thread, and on original_source's WriteStream.java for the exact
// spin/slot/deferred-END/deferred-RESET protocol.
package stream

import (
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/reaktive/tcp-nukleus/internal/counters"
	"github.com/reaktive/tcp-nukleus/internal/poller"
	"github.com/reaktive/tcp-nukleus/internal/pool"
	"github.com/reaktive/tcp-nukleus/internal/target"
	"github.com/reaktive/tcp-nukleus/internal/wire"
)

type writeState uint8

const (
	writeOpen writeState = iota
	writeClosed
)

// WriteStream consumes DATA frames from downstream, writes them to the
// socket with partial-write handling and spin, and emits WINDOW throttle
// updates back (spec.md section 3).
type WriteStream struct {
	conn     *connState
	streamID uint64
	key      *poller.Key
	tgt      *target.Target
	arena    *pool.Arena
	counters *counters.Counters
	log      *logrus.Entry

	hasPending          bool
	pendingSlot         pool.SlotID
	pendingOffset       int
	pendingLength       int
	drainedSinceWindow  int

	endDeferred   bool
	resetDeferred bool
	state         writeState

	// peer is the correlated ReadStream on the same TCP connection
	// (spec.md section 9, cyclic wiring).
	peer crossPeer

	bytesWritten atomic.Uint64
}

// NewWriteStream constructs a WriteStream. OP_WRITE is registered lazily,
// the first time a partial write needs to buffer (spec.md section 4.H).
func NewWriteStream(conn *connState, streamID uint64, tgt *target.Target,
	arena *pool.Arena, c *counters.Counters, log *logrus.Entry) *WriteStream {

	conn.attachWrite()
	ws := &WriteStream{
		conn:     conn,
		streamID: streamID,
		key:      conn.key,
		tgt:      tgt,
		arena:    arena,
		counters: c,
		log:      log.WithField("stream", streamID).WithField("side", "write"),
		state:    writeOpen,
	}
	conn.key.SetHandler(poller.OpWrite, ws.handleWrite)
	c.StreamOpened()
	return ws
}

// SetPeer wires the correlated ReadStream for cross-connection teardown.
func (ws *WriteStream) SetPeer(p crossPeer) { ws.peer = p }

// DoConnected emits the initial WINDOW frame upstream, admitting the
// producer to start sending DATA (spec.md section 4.I: "calls
// doConnected which emits the initial WINDOW upstream").
func (ws *WriteStream) DoConnected(initialCredit int32) {
	ws.emitWindow(initialCredit)
}

// HandleData implements Consumer: the DATA-frame contract of spec.md
// section 4.H.
func (ws *WriteStream) HandleData(payload []byte) error {
	if ws.state != writeOpen {
		// DATA after END/ABORT/RESET is a protocol violation
		// (spec.md section 8, scenario 5).
		ws.emitReset()
		return nil
	}

	if ws.hasPending {
		ws.appendPending(payload)
		return nil
	}

	n, err := ws.spinWrite(payload)
	if err != nil {
		ws.onWriteError(err)
		return nil
	}
	if n == len(payload) {
		ws.bytesWritten.Add(uint64(n))
		ws.emitWindow(int32(n))
		return nil
	}
	ws.bytesWritten.Add(uint64(n))
	ws.bufferRemainder(n, payload[n:])
	return nil
}

// HandleEnd implements Consumer.
func (ws *WriteStream) HandleEnd() {
	if ws.state != writeOpen {
		return
	}
	if ws.hasPending {
		ws.endDeferred = true
		return
	}
	ws.closeClean()
}

// HandleAbort implements Consumer: an upstream ABORT is handled exactly
// as a RESET on this stream's throttle (HandleReset). With a partial
// write pending, the buffered bytes are still drained and the abortive
// close follows the drain; otherwise the close is immediate.
func (ws *WriteStream) HandleAbort() {
	ws.HandleReset()
}

// HandleReset implements the spec.md 4.H contract for a RESET arriving on
// this stream's own throttle: deferred until drain completes if a
// partial write is pending, otherwise immediate.
func (ws *WriteStream) HandleReset() {
	if ws.state != writeOpen {
		return
	}
	if ws.hasPending {
		ws.resetDeferred = true
		return
	}
	ws.closeAbortive(true)
}

// resetFromPeer implements crossPeer: the correlated ReadStream already
// failed and the shared socket is gone.
func (ws *WriteStream) resetFromPeer() {
	ws.closeAbortive(false)
}

// HandleWindow implements Throttle. WriteStream writes eagerly and has no
// credit state of its own to apply a WINDOW update to (it is the side
// that emits WINDOW, never the side throttled by it), so a non-negative
// credit is ignored. A negative credit is a protocol error and is
// handled as HandleReset (see Throttle).
func (ws *WriteStream) HandleWindow(credit int32) {
	if credit < 0 {
		ws.log.WithField("credit", credit).Warn("negative WINDOW credit, treating as RESET")
		ws.HandleReset()
	}
}

// spinWrite attempts to write payload directly, retrying while the
// kernel signals it would block (EAGAIN), up to WriteSpinCount attempts
// total (spec.md section 4.H / section 9).
func (ws *WriteStream) spinWrite(payload []byte) (int, error) {
	for attempt := 0; attempt < WriteSpinCount; attempt++ {
		n, err := unix.Write(ws.conn.fd, payload)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
	}
	return 0, nil
}

// bufferRemainder acquires a fresh slot for a not-yet-written suffix.
// alreadyWritten is the count of bytes this same DATA frame already had
// accepted by a direct spinWrite before the remainder needed buffering;
// it seeds drainedSinceWindow so the WINDOW eventually emitted on drain
// covers the whole frame, not just the buffered tail (spec.md section 8
// scenario 2: "one WINDOW = 11" for an 11-byte frame split 5/6).
func (ws *WriteStream) bufferRemainder(alreadyWritten int, remainder []byte) {
	id, ok := ws.arena.Acquire()
	if !ok {
		ws.counters.OverflowOccurred()
		ws.closeAbortive(true)
		return
	}
	buf := ws.arena.Bytes(id)
	if len(remainder) > len(buf) {
		// A single DATA frame is capped at wire.MaxPayload; the arena is
		// configured with slots at least that large, so this indicates a
		// configuration error, not a runtime condition.
		ws.log.Error("write remainder exceeds slot capacity")
		ws.arena.Release(id)
		ws.counters.OverflowOccurred()
		ws.closeAbortive(true)
		return
	}
	n := copy(buf, remainder)
	ws.pendingSlot = id
	ws.pendingOffset = 0
	ws.pendingLength = n
	ws.hasPending = true
	ws.drainedSinceWindow += alreadyWritten
	_ = ws.key.Enable(poller.OpWrite)
}

// appendPending appends payload to the single outstanding slot
// (spec.md section 4.H: "the new payload MUST be appended to it (no
// concurrent partial writes)"). If it would not fit, the slot is treated
// as exhausted the same way a failed Acquire would be.
func (ws *WriteStream) appendPending(payload []byte) {
	buf := ws.arena.Bytes(ws.pendingSlot)
	end := ws.pendingOffset + ws.pendingLength
	room := len(buf) - end
	if len(payload) > room {
		ws.counters.OverflowOccurred()
		ws.closeAbortive(true)
		return
	}
	copy(buf[end:end+len(payload)], payload)
	ws.pendingLength += len(payload)
}

// handleWrite is the poller.Handler for OP_WRITE.
func (ws *WriteStream) handleWrite(k *poller.Key) (int, error) {
	if !ws.hasPending {
		_ = k.Disable(poller.OpWrite)
		return 0, nil
	}

	buf := ws.arena.Bytes(ws.pendingSlot)
	chunk := buf[ws.pendingOffset : ws.pendingOffset+ws.pendingLength]
	n, err := unix.Write(ws.conn.fd, chunk)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		ws.onWriteError(err)
		return 1, nil
	}
	if n == 0 {
		return 0, nil
	}

	ws.pendingOffset += n
	ws.pendingLength -= n
	ws.bytesWritten.Add(uint64(n))
	ws.drainedSinceWindow += n

	if ws.pendingLength > 0 {
		return 1, nil
	}

	ws.arena.Release(ws.pendingSlot)
	ws.hasPending = false
	credit := ws.drainedSinceWindow
	ws.drainedSinceWindow = 0
	_ = k.Disable(poller.OpWrite)
	ws.emitWindow(int32(credit))

	switch {
	case ws.resetDeferred:
		ws.closeAbortive(true)
	case ws.endDeferred:
		ws.closeClean()
	}
	return 1, nil
}

// onWriteError implements spec.md section 7's "Socket write error" row:
// emit RESET on the throttle, abortive close.
func (ws *WriteStream) onWriteError(err error) {
	ws.log.WithError(err).Warn("socket write error")
	ws.emitReset()
	ws.closeAbortive(true)
}

// emitWindow encodes and forwards a WINDOW frame for n freshly-accepted
// or freshly-drained bytes.
func (ws *WriteStream) emitWindow(credit int32) {
	if credit == 0 {
		return
	}
	frame := wire.EncodeWindow(nil, ws.streamID, credit)
	if err := ws.tgt.Write(frame); err != nil {
		ws.log.WithError(err).Warn("failed to emit WINDOW")
	}
}

// emitReset encodes and forwards a RESET frame on this stream's throttle.
func (ws *WriteStream) emitReset() {
	frame := wire.EncodeReset(nil, ws.streamID)
	if err := ws.tgt.Write(frame); err != nil {
		ws.log.WithError(err).Warn("failed to emit RESET")
	}
}

// closeClean half-closes the socket's write direction (FIN) and
// transitions to CLOSED without discarding a peer's ability to keep
// reading (spec.md section 4.H, "shutdown output, transition to CLOSED").
func (ws *WriteStream) closeClean() {
	if ws.state == writeClosed {
		return
	}
	ws.state = writeClosed
	ws.conn.finishWrite(false, true)
	ws.finish(false)
}

// closeAbortive discards any pending slot and abortively closes the
// shared socket, optionally propagating to the correlated ReadStream.
func (ws *WriteStream) closeAbortive(notifyPeer bool) {
	if ws.state == writeClosed {
		return
	}
	ws.state = writeClosed
	if ws.hasPending {
		ws.arena.Release(ws.pendingSlot)
		ws.hasPending = false
	}
	ws.conn.finishWrite(true, false)
	ws.finish(notifyPeer)
}

func (ws *WriteStream) finish(notifyPeer bool) {
	ws.counters.StreamClosed()
	if notifyPeer && ws.peer != nil {
		p := ws.peer
		ws.peer = nil
		p.resetFromPeer()
	} else {
		ws.peer = nil
	}
}

// BytesWritten returns the cumulative payload bytes written to the
// socket, for tests asserting spec.md's round-trip properties.
func (ws *WriteStream) BytesWritten() uint64 { return ws.bytesWritten.Load() }
