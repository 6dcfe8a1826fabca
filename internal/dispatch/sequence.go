package dispatch

import "sync/atomic"

// Sequence is the logical clock of the event log. Every applied envelope is
// stamped with the next value.
//
// Thread-safety: Sequence is safe for concurrent use.
type Sequence struct {
	seq atomic.Int64
}

// NewSequenceAt creates a sequence that continues after start. Used to
// resume from the event log after a restart.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last sequence number handed out.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
