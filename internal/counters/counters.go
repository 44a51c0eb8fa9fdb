// Package counters holds the process-visible metrics named in spec.md
// section 6: streams, routes and overflows. Mutations happen only on the
// reactor thread; reads may happen concurrently from a metrics exporter,
// so every field is a sync/atomic counter (spec.md section 5).
package counters

import "sync/atomic"

// Counters aggregates the adapter's externally-visible metrics.
type Counters struct {
	streams   atomic.Int64
	routes    atomic.Int64
	overflows atomic.Uint64
}

// New returns a zeroed Counters.
func New() *Counters {
	return &Counters{}
}

// StreamOpened records a new open ReadStream or WriteStream.
func (c *Counters) StreamOpened() { c.streams.Add(1) }

// StreamClosed records a ReadStream or WriteStream teardown.
func (c *Counters) StreamClosed() { c.streams.Add(-1) }

// Streams returns the current open stream count.
func (c *Counters) Streams() int64 { return c.streams.Load() }

// RouteAdded records a route table insertion.
func (c *Counters) RouteAdded() { c.routes.Add(1) }

// RouteRemoved records a route table removal.
func (c *Counters) RouteRemoved() { c.routes.Add(-1) }

// Routes returns the current route count.
func (c *Counters) Routes() int64 { return c.routes.Load() }

// OverflowOccurred records a slot-acquisition failure on the write path.
// Monotonic: only ever increases, and only when a slot acquisition failed
// (spec.md section 8, invariant 4).
func (c *Counters) OverflowOccurred() { c.overflows.Add(1) }

// Overflows returns the monotonic slot-exhaustion count.
func (c *Counters) Overflows() uint64 { return c.overflows.Load() }
