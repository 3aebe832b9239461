package clock

import "sync/atomic"

// AtomicClock is a monotonically increasing counter. Next never returns the
// same value twice, including after Set/AdvanceTo.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}

// AdvanceTo raises the counter to floor if it is lower. It never moves the
// counter backwards, so values already handed out stay unique.
func (ac *AtomicClock) AdvanceTo(floor uint64) uint64 {
	for {
		cur := ac.Load()
		if cur >= floor {
			return cur
		}
		if ac.CompareAndSwap(cur, floor) {
			return floor
		}
	}
}
