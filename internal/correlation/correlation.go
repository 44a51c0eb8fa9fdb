// Package correlation implements the one-shot correlation registry from
// spec.md section 4.F: it maps a freshly generated correlation id to the
// socket and read-stream context awaiting its reply BEGIN.
//
// Grounded on original_source's ServerStreamFactory, whose `correlations`
// field (a Long2ObjectHashMap<Correlation>) is put() on accept and
// remove()d when the reply BEGIN arrives; here a plain Go map suffices
// since the registry is per-factory-instance and single-threaded
// (spec.md section 5).
package correlation

import "net"

// Correlation is the record described in spec.md section 3. The owning
// factory (internal/stream) keeps its own streamID-to-ReadStream table
// and looks up CorrelatedStreamID there to perform the actual cross-wire
// once a reply BEGIN consumes this entry — Correlation itself stays a
// plain data record with no callback, so this package never needs to
// import internal/stream.
type Correlation struct {
	SourceName         string
	Socket             net.Conn
	TargetName         string
	CorrelatedStreamID uint64
}

// Registry maps correlation id to Correlation. Not safe for concurrent
// use; owned exclusively by the reactor thread.
type Registry struct {
	byID map[uint64]Correlation
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[uint64]Correlation)}
}

// Put registers correlation under id. A Correlation must be registered at
// most once per id (ids are minted by internal/ids and never reused).
func (r *Registry) Put(id uint64, c Correlation) {
	r.byID[id] = c
}

// Remove deletes and returns the Correlation for id, or ok=false if none
// is registered — either because it was never created, was already
// consumed, or was purged by Sweep (spec.md section 3, "consumed at most
// once; double delivery yields RESET to the second").
func (r *Registry) Remove(id uint64) (c Correlation, ok bool) {
	c, ok = r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	return c, ok
}

// Sweep removes every Correlation for which keep returns false. Used when
// a socket closes before its reply BEGIN arrives, so the entry does not
// outlive its socket (spec.md section 3, "Lifetime bounded").
func (r *Registry) Sweep(keep func(Correlation) bool) {
	for id, c := range r.byID {
		if !keep(c) {
			delete(r.byID, id)
		}
	}
}

// Len returns the number of outstanding correlations.
func (r *Registry) Len() int { return len(r.byID) }
