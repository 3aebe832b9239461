package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Monitor periodically expires Active records whose lease lapsed.
type Monitor struct {
	store    *Store
	interval time.Duration
	opts     options

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewMonitor creates a monitor; interval should be shorter than the lease.
func NewMonitor(store *Store, interval time.Duration, opts ...Option) *Monitor {
	return &Monitor{
		store:    store,
		interval: interval,
		opts:     buildOptions(opts),
	}
}

// Start runs the sweep loop in the background until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.opts.log.Info("lease monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.opts.log.Info("lease monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.safeSweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.opts.log.Error("lease sweep failed, retrying next interval", "error", err)
			}
		}
	}
}

func (m *Monitor) safeSweep(ctx context.Context) (expired int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lease sweep panicked: %v", r)
		}
	}()
	return m.SweepOnce(ctx)
}

// SweepOnce expires every lapsed Active record once. Cancellation is checked
// between records, never inside a transition.
func (m *Monitor) SweepOnce(ctx context.Context) (int, error) {
	start := time.Now()
	records := m.store.SnapshotAll()

	var (
		expired int
		errs    []error
		active  int
	)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		now := m.opts.tp.Now()
		if rec.State != StateActive {
			continue
		}
		if !rec.LeaseLapsed(now) {
			active++
			continue
		}

		var did bool
		cur, err := m.store.UpsertAtomic(rec.Location, expireTransform(now, false, &did))
		switch {
		case errors.Is(err, errNoRecord):
			// removed after the snapshot
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("expire %q: %w", rec.Location, err))
			active++
			continue
		}
		if did {
			expired++
			m.opts.log.Warn("server lease expired",
				"location", cur.Location, "server_id", cur.ServerID,
				"generation", cur.Generation, "addr", cur.Address,
				"lease_expired_at", cur.LeaseExpiresAt)
		} else if cur.State == StateActive {
			active++
		}
	}

	m.opts.metrics.IncCounter("rangemaster_lease_sweeps_total", nil, 1)
	m.opts.metrics.IncCounter("rangemaster_lease_expirations_total", nil, float64(expired))
	m.opts.metrics.SetGauge("rangemaster_servers", map[string]string{"state": "active"}, float64(active))
	m.opts.metrics.SetGauge("rangemaster_servers", map[string]string{"state": "expired"}, float64(len(records)-active))
	m.opts.metrics.ObserveHistogram("rangemaster_lease_sweep_seconds", nil, time.Since(start).Seconds())

	return expired, errors.Join(errs...)
}
