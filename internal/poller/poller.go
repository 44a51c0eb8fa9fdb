// Package poller implements the readiness-poll reactor described in
// spec.md section 4.A: it registers socket handles with an OS readiness
// interface and dispatches readiness callbacks synchronously on the
// reactor thread.
//
// Grounded on reactor/epoll_reactor.go and reactor/reactor_linux.go from
// the teacher repo (EpollCreate1/EpollCtl/EpollWait loop, per-fd
// callback lookup, panic recovery around callbacks), generalized from
// "one callback per fd" to "two handler slots per Key, independently
// enabled/disabled" per spec.md's PollerKey contract
// (`Key.handler(op, fn)`, `Key.enable/disable(ops)`).
//
// The ready-queue drained by PollOnce uses github.com/eapache/queue, the
// teacher's own dependency that no file in the copied tree actually
// referenced (see DESIGN.md), to satisfy spec.md's fairness note:
// "Handlers return a small integer signalling work done (for fairness
// accounting)."
package poller

import (
	"fmt"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
)

// Op identifies a readiness interest: read or write.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

// Handler is invoked synchronously on the reactor thread when a Key
// becomes ready for the Op it was registered under. It returns the
// number of application-level work units completed, for fairness
// accounting, and an error, which cancels the Key and runs its OnCancel
// callbacks (spec.md section 4.A). The poller does not close the Key's
// file descriptor itself.
type Handler func(k *Key) (workDone int, err error)

// Backend is the OS-specific readiness interface a Poller drives.
// Implemented by the epoll backend on Linux (backend_linux.go).
type Backend interface {
	// Add registers fd with the given initial interest mask.
	Add(fd int, readInterest, writeInterest bool) error
	// Modify updates fd's interest mask.
	Modify(fd int, readInterest, writeInterest bool) error
	// Remove deregisters fd.
	Remove(fd int) error
	// Wait blocks up to timeoutMs (negative blocks indefinitely) and
	// returns the fds that became ready, tagged with which ops fired.
	Wait(timeoutMs int) ([]ReadyFD, error)
	// Close releases the backend's OS resources.
	Close() error
}

// ReadyFD reports which interests fired for a file descriptor.
type ReadyFD struct {
	Fd    int
	Read  bool
	Write bool
	Err   bool
}

// Key is a per-connection registration: the file descriptor, its current
// interest mask, and up to one handler per Op. A single Key carries both
// the read and write handler slots, avoiding a second heap allocation
// per event (spec.md section 9, "Per-connection event dispatch").
type Key struct {
	fd        int
	poller    *Poller
	handlers  [2]Handler
	interest  [2]bool
	cancelled bool
	onCancel  []func()
}

// Fd returns the underlying file descriptor.
func (k *Key) Fd() int { return k.fd }

// SetHandler installs fn as the handler for op, replacing any previous one.
func (k *Key) SetHandler(op Op, fn Handler) {
	k.handlers[op] = fn
}

// Enable turns on interest for op, updating the backend's epoll mask.
func (k *Key) Enable(op Op) error {
	if k.cancelled || k.interest[op] {
		return nil
	}
	k.interest[op] = true
	return k.poller.backend.Modify(k.fd, k.interest[OpRead], k.interest[OpWrite])
}

// Disable turns off interest for op, updating the backend's epoll mask.
func (k *Key) Disable(op Op) error {
	if k.cancelled || !k.interest[op] {
		return nil
	}
	k.interest[op] = false
	return k.poller.backend.Modify(k.fd, k.interest[OpRead], k.interest[OpWrite])
}

// Interested reports whether op is currently enabled.
func (k *Key) Interested(op Op) bool { return k.interest[op] }

// Cancelled reports whether Cancel has already run for this key.
func (k *Key) Cancelled() bool { return k.cancelled }

// OnCancel registers a cleanup callback invoked when the key is
// cancelled, either explicitly or after a handler error. Multiple
// callbacks may be registered — a Key shared between a ReadStream and a
// WriteStream on the same connection (spec.md section 9) each register
// their own cleanup independently — and all run, in registration order.
func (k *Key) OnCancel(fn func()) { k.onCancel = append(k.onCancel, fn) }

// Cancel deregisters the key from the poller. Idempotent.
func (k *Key) Cancel() {
	if k.cancelled {
		return
	}
	k.cancelled = true
	_ = k.poller.backend.Remove(k.fd)
	delete(k.poller.keys, k.fd)
	for _, fn := range k.onCancel {
		fn()
	}
}

// Poller owns the OS readiness backend and the set of registered Keys.
// A Poller is used from exactly one goroutine: the reactor thread
// (spec.md section 5).
type Poller struct {
	backend Backend
	keys    map[int]*Key
	ready   *queue.Queue
	log     *logrus.Entry
}

// New wraps backend in a Poller.
func New(backend Backend, log *logrus.Entry) *Poller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Poller{
		backend: backend,
		keys:    make(map[int]*Key),
		ready:   queue.New(),
		log:     log.WithField("component", "poller"),
	}
}

// Register associates fd with the poller and returns its Key. Interest
// starts disabled for both ops; callers enable what they need via
// Key.Enable, mirroring spec.md's "registers an OP_READ handler ...
// enable/disable OP_READ/OP_WRITE."
func (p *Poller) Register(fd int) (*Key, error) {
	if err := p.backend.Add(fd, false, false); err != nil {
		return nil, fmt.Errorf("poller: register fd %d: %w", fd, err)
	}
	k := &Key{fd: fd, poller: p}
	p.keys[fd] = k
	return k, nil
}

// PollOnce blocks for readiness up to timeoutMs, then synchronously
// drains and dispatches every ready (Key, Op) pair through the fairness
// queue. An error or panic from a Handler cancels the offending Key,
// which runs its OnCancel callbacks; PollOnce does not close the Key's
// file descriptor (spec.md section 4.A).
func (p *Poller) PollOnce(timeoutMs int) (dispatched int, err error) {
	ready, err := p.backend.Wait(timeoutMs)
	if err != nil {
		return 0, fmt.Errorf("poller: wait: %w", err)
	}

	for _, rfd := range ready {
		k, ok := p.keys[rfd.Fd]
		if !ok {
			continue
		}
		if rfd.Read || rfd.Err {
			p.ready.Add(readyEvent{key: k, op: OpRead})
		}
		if rfd.Write || rfd.Err {
			p.ready.Add(readyEvent{key: k, op: OpWrite})
		}
	}

	for p.ready.Length() > 0 {
		ev := p.ready.Remove().(readyEvent)
		k := ev.key
		if k.cancelled {
			continue
		}
		h := k.handlers[ev.op]
		if h == nil {
			continue
		}
		work, herr := p.dispatch(k, h)
		dispatched += work
		if herr != nil {
			p.log.WithError(herr).WithField("fd", k.fd).Warn("handler error, cancelling key")
			k.Cancel()
		}
	}
	return dispatched, nil
}

// dispatch runs a single handler with panic recovery, converting a panic
// into an error so PollOnce can cancel the key rather than crash the
// reactor thread.
func (p *Poller) dispatch(k *Key, h Handler) (work int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poller: handler panic: %v", r)
		}
	}()
	return h(k)
}

// Close shuts down the backend. Registered Keys are not individually
// cancelled; callers are expected to have torn down their connections
// first.
func (p *Poller) Close() error {
	return p.backend.Close()
}

type readyEvent struct {
	key *Key
	op  Op
}
