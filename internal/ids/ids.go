// Package ids issues the monotonically increasing 64-bit identifiers used
// for logical stream ids and correlation ids.
//
// The reactor thread is the only writer (spec.md section 5), so a plain
// counter without a lock would already be safe; Sequence uses atomic.Uint64
// anyway so the same counters remain safe to read from a metrics goroutine.
package ids

import "sync/atomic"

// Sequence issues strictly increasing, never-reused 64-bit values starting
// at 1. Zero is reserved: BEGIN.sourceRef == 0 marks a reply stream
// (spec.md section 4.I), so no id generator may ever hand out zero.
type Sequence struct {
	next atomic.Uint64
}

// NewSequence returns a Sequence whose first Next() call yields 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next returns the next value in the sequence.
func (s *Sequence) Next() uint64 {
	return s.next.Add(1)
}
