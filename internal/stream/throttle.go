package stream

import "github.com/reaktive/tcp-nukleus/internal/wire"

// crossPeer is the narrow interface ReadStream and WriteStream use to
// notify each other's teardown when they share a TCP connection
// (spec.md section 9). It is deliberately not Throttle: a WriteStream
// has no meaningful HandleWindow to offer a ReadStream calling back into
// it, and vice versa, so the two concerns stay separate.
type crossPeer interface {
	resetFromPeer()
}

// Throttle is implemented by ReadStream and WriteStream to receive the
// RESET/WINDOW frames the frame fabric delivers back for a given stream
// id (spec.md section 4.F glossary: "Throttle — the reverse-direction
// channel on which WINDOW and RESET flow for a given unidirectional data
// stream").
type Throttle interface {
	// HandleReset abortively tears down the stream's socket half.
	HandleReset()
	// HandleWindow applies a credit delta. A negative credit is a
	// protocol error and is treated identically to HandleReset
	// (spec.md section 9, open question).
	HandleWindow(credit int32)
}

// Registry demultiplexes incoming RESET/WINDOW frames to the Throttle
// registered for their stream id, mirroring RouteManager.setThrottle in
// original_source's ServerStreamFactory.
type Registry struct {
	byID map[uint64]Throttle
}

// NewRegistry returns an empty throttle Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint64]Throttle)}
}

// Set registers t as the Throttle for streamID.
func (r *Registry) Set(streamID uint64, t Throttle) {
	r.byID[streamID] = t
}

// Remove deregisters streamID.
func (r *Registry) Remove(streamID uint64) {
	delete(r.byID, streamID)
}

// Dispatch routes a decoded RESET or WINDOW frame to its registered
// Throttle. Frames for unknown stream ids are silently dropped: the
// stream has already torn down.
func (r *Registry) Dispatch(f wire.Decoded) {
	switch f.Type {
	case wire.TypeReset:
		if t, ok := r.byID[f.Reset.StreamID]; ok {
			t.HandleReset()
		}
	case wire.TypeWindow:
		if t, ok := r.byID[f.Window.StreamID]; ok {
			t.HandleWindow(f.Window.Credit)
		}
	}
}
