package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rangemaster/pkg/registry"

	"github.com/zhangyunhao116/skipmap"
)

// Syncer is a registry.Sink that mirrors committed records into a Store.
// It writes whatever the registry holds when a location is flushed, so
// redelivered or reordered events converge on the latest state.
//
// A location stays dirty until its write succeeds. The dispatcher gives up on
// an event after a bounded number of retries; the dirty set does not, and is
// re-flushed in the background and once more on Stop.
type Syncer struct {
	store  Store
	lookup func(location string) (registry.ServerRecord, bool)
	log    *slog.Logger

	dirty   *skipmap.StringMap[struct{}]
	flushMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyncer(store Store, lookup func(string) (registry.ServerRecord, bool), log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		store:  store,
		lookup: lookup,
		log:    log.With("component", "metadata-sync"),
		dirty:  skipmap.NewString[struct{}](),
		cancel: func() {},
	}
}

func (s *Syncer) HandleEvent(ctx context.Context, ev registry.Event) error {
	s.dirty.Store(ev.Location, struct{}{})
	return s.flush(ctx, ev.Location)
}

// Pending is the number of locations whose latest state is not yet persisted.
func (s *Syncer) Pending() int {
	return s.dirty.Len()
}

// Flush writes every dirty location, in location order. Locations that fail
// stay dirty.
func (s *Syncer) Flush(ctx context.Context) error {
	var locations []string
	s.dirty.Range(func(loc string, _ struct{}) bool {
		locations = append(locations, loc)
		return true
	})

	var errs []error
	for _, loc := range locations {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.flush(ctx, loc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Syncer) flush(ctx context.Context, location string) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	// a concurrent flush already wrote a state at least this new
	if _, ok := s.dirty.LoadAndDelete(location); !ok {
		return nil
	}
	if err := s.write(ctx, location); err != nil {
		s.dirty.Store(location, struct{}{})
		return err
	}
	return nil
}

func (s *Syncer) write(ctx context.Context, location string) error {
	rec, ok := s.lookup(location)
	if !ok {
		if err := s.store.DeleteRecord(ctx, location); err != nil {
			return fmt.Errorf("persist removal of %q: %w", location, err)
		}
		s.log.Debug("record deleted from metadata", "location", location)
		return nil
	}
	if err := s.store.PutRecord(ctx, rec); err != nil {
		return fmt.Errorf("persist %q: %w", location, err)
	}
	s.log.Debug("record persisted", "location", location, "generation", rec.Generation)
	return nil
}

// Start re-flushes dirty locations every interval until Stop.
func (s *Syncer) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.Pending() == 0 {
					continue
				}
				if err := s.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.log.Warn("metadata flush failed, retrying next interval", "pending", s.Pending(), "error", err)
				}
			}
		}
	}()
}

// Stop ends the background loop and makes a last attempt at every dirty
// location. Call it after the registry has stopped producing events.
func (s *Syncer) Stop(ctx context.Context) error {
	s.cancel()
	s.wg.Wait()
	if err := s.Flush(ctx); err != nil {
		return fmt.Errorf("%d locations not persisted: %w", s.Pending(), err)
	}
	return nil
}

// Restore loads persisted records into an empty registry store and returns
// the highest server id seen. Active records get a fresh lease of one lease
// duration from now so servers that survived the restart can renew before
// the monitor expires them; expired records stay expired.
func Restore(ctx context.Context, src Store, dst *registry.Store, lease time.Duration, now time.Time) (uint64, int, error) {
	records, err := src.LoadRecords(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load records: %w", err)
	}

	var maxID uint64
	for i := range records {
		if records[i].State == registry.StateActive {
			records[i].LeaseExpiresAt = now.Add(lease)
		}
		maxID = max(maxID, records[i].ServerID)
	}
	if err := dst.Restore(records); err != nil {
		return 0, 0, err
	}
	return maxID, len(records), nil
}
