package stream

import "github.com/reaktive/tcp-nukleus/internal/wire"

// Consumer receives DATA/END/ABORT frames addressed to a stream id — the
// WriteStream side of a connection, once a reply BEGIN has attached it,
// is exactly such a consumer for the frames a downstream producer sends
// it (spec.md section 4.H).
type Consumer interface {
	HandleData(payload []byte) error
	HandleEnd()
	HandleAbort()
}

// ConsumerRegistry demultiplexes incoming DATA/END/ABORT frames to the
// Consumer registered for their stream id.
type ConsumerRegistry struct {
	byID map[uint64]Consumer
}

// NewConsumerRegistry returns an empty ConsumerRegistry.
func NewConsumerRegistry() *ConsumerRegistry {
	return &ConsumerRegistry{byID: make(map[uint64]Consumer)}
}

// Set registers c as the Consumer for streamID.
func (r *ConsumerRegistry) Set(streamID uint64, c Consumer) {
	r.byID[streamID] = c
}

// Remove deregisters streamID.
func (r *ConsumerRegistry) Remove(streamID uint64) {
	delete(r.byID, streamID)
}

// Dispatch routes a decoded DATA/END/ABORT frame to its Consumer. Frames
// for unknown ids are dropped.
func (r *ConsumerRegistry) Dispatch(f wire.Decoded) error {
	switch f.Type {
	case wire.TypeData:
		if c, ok := r.byID[f.Data.StreamID]; ok {
			return c.HandleData(f.Data.Payload)
		}
	case wire.TypeEnd:
		if c, ok := r.byID[f.End.StreamID]; ok {
			c.HandleEnd()
		}
	case wire.TypeAbort:
		if c, ok := r.byID[f.Abort.StreamID]; ok {
			c.HandleAbort()
		}
	}
	return nil
}
