package registry

import "rangemaster/pkg/clock"

// IDAllocator hands out server ids. Implementations must never return the
// same id twice; gaps are allowed.
type IDAllocator interface {
	NextID() (uint64, error)
}

// SequentialIDs allocates from an in-process counter. The first id is start+1.
type SequentialIDs struct {
	counter *clock.AtomicClock
}

func NewSequentialIDs(start uint64) *SequentialIDs {
	return &SequentialIDs{counter: clock.NewAtomic(start)}
}

func (s *SequentialIDs) NextID() (uint64, error) {
	return s.counter.Next(), nil
}

// Observe makes sure later ids are greater than id, e.g. after a restore.
func (s *SequentialIDs) Observe(id uint64) {
	s.counter.AdvanceTo(id)
}
