package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"rangemaster/pkg/clock"
)

const refillTimeout = 30 * time.Second

// BlockAllocator hands out server ids from blocks reserved in a Store ahead
// of use. A crash loses at most the unused rest of a block; ids are never
// handed out twice. When the reserved range runs out NextID fails instead
// of waiting on the store.
type BlockAllocator struct {
	store Store
	block uint64
	log   *slog.Logger

	last    *clock.AtomicClock
	ceiling atomic.Uint64

	refilling atomic.Bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewBlockAllocator reserves the first block synchronously. floor is the
// highest id already known (e.g. from restored records); every id handed
// out will be greater than it.
func NewBlockAllocator(ctx context.Context, store Store, block, floor uint64, log *slog.Logger) (*BlockAllocator, error) {
	if block == 0 {
		return nil, fmt.Errorf("metadata: id block size must be positive")
	}
	if log == nil {
		log = slog.Default()
	}

	from, to, err := store.ReserveIDs(ctx, block)
	if err != nil {
		return nil, err
	}
	for to <= floor {
		// persisted ceiling is behind the records; catch up
		if from, to, err = store.ReserveIDs(ctx, floor-to+block); err != nil {
			return nil, err
		}
	}

	a := &BlockAllocator{
		store: store,
		block: block,
		log:   log.With("component", "id-allocator"),
		last:  clock.NewAtomic(max(from, floor)),
	}
	a.ceiling.Store(to)
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.log.Info("server id allocator ready", "next", a.last.Val()+1, "ceiling", to)
	return a, nil
}

// NextID implements registry.IDAllocator.
func (a *BlockAllocator) NextID() (uint64, error) {
	for {
		cur := a.last.Val()
		ceil := a.ceiling.Load()
		if cur >= ceil {
			a.refill()
			return 0, ErrIDsExhausted
		}
		if a.last.CompareAndSwap(cur, cur+1) {
			if ceil-(cur+1) <= a.lowWatermark() {
				a.refill()
			}
			return cur + 1, nil
		}
	}
}

// Remaining is the number of reserved ids not yet handed out.
func (a *BlockAllocator) Remaining() uint64 {
	cur, ceil := a.last.Val(), a.ceiling.Load()
	if cur >= ceil {
		return 0
	}
	return ceil - cur
}

func (a *BlockAllocator) lowWatermark() uint64 {
	return a.block / 4
}

// refill reserves the next block in the background; at most one runs.
func (a *BlockAllocator) refill() {
	if !a.refilling.CompareAndSwap(false, true) {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.refilling.Store(false)

		ctx, cancel := context.WithTimeout(a.ctx, refillTimeout)
		defer cancel()

		from, to, err := a.store.ReserveIDs(ctx, a.block)
		if err != nil {
			a.log.Error("failed to reserve server id block", "error", err)
			return
		}
		// ids between our ceiling and from were reserved by someone else
		if from > a.ceiling.Load() {
			a.last.AdvanceTo(from)
		}
		a.ceiling.Store(to)
		a.log.Debug("server id block reserved", "from", from+1, "to", to)
	}()
}

// Close waits for an in-flight refill.
func (a *BlockAllocator) Close() {
	a.cancel()
	a.wg.Wait()
}
