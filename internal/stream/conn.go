package stream

import (
	"golang.org/x/sys/unix"

	"github.com/reaktive/tcp-nukleus/internal/poller"
	"github.com/reaktive/tcp-nukleus/internal/sockopt"
)

// connState is the state shared by a ReadStream and its (optional)
// WriteStream for one TCP connection: the raw fd and the single
// poller.Key both directions register their handler on (spec.md section
// 9, "Each PollerKey carries two handler slots"). Because both directions
// share one fd, neither side may unilaterally unix.Close it on a clean
// half-close: the fd is only fully released once both halves have
// finished, unless either half asks for an abortive close (RST), which
// ends the connection outright for both.
type connState struct {
	fd                  int
	key                 *poller.Key
	readDone            bool
	writeDone           bool
	writeStreamAttached bool
}

func newConnState(fd int, key *poller.Key) *connState {
	return &connState{fd: fd, key: key}
}

// attachWrite records that a WriteStream now shares this connection, so
// finishRead alone must not close the fd until the write half also
// finishes.
func (c *connState) attachWrite() { c.writeStreamAttached = true }

// finishRead marks the read half done. abortive requests an immediate
// RST regardless of the write half's state.
func (c *connState) finishRead(abortive bool) {
	c.readDone = true
	c.settle(abortive)
}

// finishWrite marks the write half done, half-closing the socket's
// output direction on a clean finish (shutdownWrite=true) so the peer
// observes FIN without losing the ability to keep reading.
func (c *connState) finishWrite(abortive, shutdownWrite bool) {
	c.writeDone = true
	if !abortive && shutdownWrite && !c.key.Cancelled() {
		_ = unix.Shutdown(c.fd, unix.SHUT_WR)
	}
	c.settle(abortive)
}

func (c *connState) settle(abortive bool) {
	if abortive {
		if !c.key.Cancelled() {
			_ = sockopt.AbortiveClose(c.fd)
			c.key.Cancel()
		}
		return
	}
	if c.readDone && (c.writeDone || !c.writeStreamAttached) {
		if !c.key.Cancelled() {
			c.key.Cancel()
		}
		_ = unix.Close(c.fd)
	}
}
