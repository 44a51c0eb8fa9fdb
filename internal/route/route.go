// Package route implements the route table described in spec.md section
// 4.C: it stores accept- and connect-side routes keyed by a numeric
// reference and matches incoming events against a stored predicate.
//
// Grounded on original_source's Reader.java, which keeps routesByRef as a
// Long2ObjectHashMap<List<Route>> and resolves the first route in
// insertion order whose predicate matches; sourceMatches/addressMatches
// there are separate composable Predicate<Route> values, reproduced here
// as small func(Event) bool values instead of one large equality check.
package route

import "net"

// Kind distinguishes a routeServer (accept) route from a routeClient
// (connect) route. Supplemental to spec.md, grounded on original_source's
// RouteKind: only the fresh-connection client kind (OUTPUT_NEW) is
// defined here; there is no kind for routes matched on an
// already-established reply stream. Kind is consulted by
// internal/acceptor (KindServer) and internal/nukleus's OUTPUT BEGIN
// handling (KindClientNew).
type Kind uint8

const (
	// KindServer is a routeServer entry, matched on accept.
	KindServer Kind = iota
	// KindClientNew is a routeClient entry, matched when downstream opens
	// a fresh OUTPUT stream with a non-zero sourceRef.
	KindClientNew
)

// Route is the immutable record described in spec.md section 3.
type Route struct {
	SourceName string
	SourceRef  uint64
	TargetName string
	TargetRef  uint64
	Address    Address
	Kind       Kind
}

// Event is the (partial) accept/connect occurrence a route is matched
// against: the source nukleus name, the reference the event arrived on,
// and the peer's address.
type Event struct {
	SourceName string
	SourceRef  uint64
	Peer       net.IP
}

// Predicate is a composable route matcher, mirroring
// original_source's Predicate<Route> chain (sourceMatches().and(...)).
type Predicate func(Route) bool

// SourceMatches returns a Predicate requiring an exact source name.
func SourceMatches(name string) Predicate {
	return func(r Route) bool { return r.SourceName == name }
}

// SourceRefMatches returns a Predicate requiring an exact source ref.
func SourceRefMatches(ref uint64) Predicate {
	return func(r Route) bool { return r.SourceRef == ref }
}

// TargetMatches returns a Predicate requiring an exact target name.
func TargetMatches(name string) Predicate {
	return func(r Route) bool { return r.TargetName == name }
}

// TargetRefMatches returns a Predicate requiring an exact target ref.
func TargetRefMatches(ref uint64) Predicate {
	return func(r Route) bool { return r.TargetRef == ref }
}

// AddressMatches returns a Predicate requiring the route's address to
// admit peer (wildcard routes admit any peer).
func AddressMatches(peer net.IP) Predicate {
	return func(r Route) bool { return r.Address.Matches(peer) }
}

// And composes predicates with logical AND, short-circuiting.
func And(preds ...Predicate) Predicate {
	return func(r Route) bool {
		for _, p := range preds {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

// Table stores routes bucketed by sourceRef, insertion-ordered within a
// bucket, single-threaded (reactor-owned, spec.md section 5).
type Table struct {
	byRef map[uint64][]Route
}

// NewTable returns an empty route table.
func NewTable() *Table {
	return &Table{byRef: make(map[uint64][]Route)}
}

// Add inserts route into its sourceRef bucket. Byte-identical routes may
// be added more than once (spec.md section 4.C).
func (t *Table) Add(r Route) {
	t.byRef[r.SourceRef] = append(t.byRef[r.SourceRef], r)
}

// Remove deletes the first route in any bucket satisfying pred, reporting
// whether a route was removed.
func (t *Table) Remove(pred Predicate) bool {
	for ref, routes := range t.byRef {
		for i, r := range routes {
			if pred(r) {
				t.byRef[ref] = append(routes[:i], routes[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Resolve returns the first route in insertion order within event's
// sourceRef bucket that satisfies pred and matches the event's source
// name and address, or ok=false if none match (spec.md section 4.C).
func (t *Table) Resolve(ev Event, pred Predicate) (route Route, ok bool) {
	full := And(SourceMatches(ev.SourceName), AddressMatches(ev.Peer), pred)
	for _, r := range t.byRef[ev.SourceRef] {
		if full(r) {
			return r, true
		}
	}
	return Route{}, false
}

// ResolveAny scans every bucket in map iteration order and returns the
// first route satisfying pred; used by the connect path (spec.md section
// 4.E), which — like original_source's onConnected — is not restricted to
// a single sourceRef bucket up front.
func (t *Table) ResolveAny(pred Predicate) (route Route, ok bool) {
	for _, routes := range t.byRef {
		for _, r := range routes {
			if pred(r) {
				return r, true
			}
		}
	}
	return Route{}, false
}

// Len returns the total number of stored routes, across all buckets.
func (t *Table) Len() int {
	n := 0
	for _, routes := range t.byRef {
		n += len(routes)
	}
	return n
}
