package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"rangemaster/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepExpiresLapsedLeaseOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Register(ctx, "rs1", "10.0.0.5:15860")
	require.NoError(t, err)

	// exactly at the deadline the lease still holds
	f.clock.Advance(testLease)
	n, err := f.mon.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Millisecond)
	n, err = f.mon.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.mon.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, _ := f.coord.Lookup("rs1")
	assert.Equal(t, StateExpired, rec.State)
	assert.Equal(t, []EventKind{EventJoined, EventExpired}, f.rec.kinds("rs1"))
}

func TestSweepSparesRenewedLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Register(ctx, "rs1", "10.0.0.5:15860")
	require.NoError(t, err)
	_, err = f.coord.Register(ctx, "rs2", "10.0.0.6:15860")
	require.NoError(t, err)

	f.clock.Advance(testLease - time.Second)
	_, err = f.coord.Register(ctx, "rs1", "10.0.0.5:15860")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	n, err := f.mon.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rs1, _ := f.coord.Lookup("rs1")
	rs2, _ := f.coord.Lookup("rs2")
	assert.Equal(t, StateActive, rs1.State)
	assert.Equal(t, StateExpired, rs2.State)
	assert.Equal(t, []EventKind{EventJoined}, f.rec.kinds("rs1"))
}

func TestExpireTransformLosesToRenewal(t *testing.T) {
	now := testEpoch.Add(time.Minute)
	cur := ServerRecord{Location: "rs1", State: StateActive, LeaseExpiresAt: now.Add(time.Second)}

	var expired bool
	next, err := expireTransform(now, false, &expired)(cur, true)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, cur, next)

	next, err = expireTransform(now, true, &expired)(cur, true)
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Equal(t, StateExpired, next.State)

	_, err = expireTransform(now, false, &expired)(ServerRecord{}, false)
	assert.ErrorIs(t, err, errNoRecord)
}

func TestSweepRecoveryBumpsGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.coord.Register(ctx, "rs1", "10.0.0.5:15860")
	require.NoError(t, err)

	for gen := uint64(1); gen <= 3; gen++ {
		f.clock.Advance(testLease + time.Second)
		_, err = f.mon.SweepOnce(ctx)
		require.NoError(t, err)

		reg, err := f.coord.Register(ctx, "rs1", "10.0.0.5:15860")
		require.NoError(t, err)
		assert.Equal(t, first.ServerID, reg.ServerID)
		assert.Equal(t, gen, reg.Generation)
		assert.Equal(t, OutcomeRecovered, reg.Outcome)
	}
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Register(context.Background(), "rs1", "10.0.0.5:15860")
	require.NoError(t, err)
	f.clock.Advance(2 * testLease)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := f.mon.SweepOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)

	rec, _ := f.coord.Lookup("rs1")
	assert.Equal(t, StateActive, rec.State)
}

func TestSweepReportsGauges(t *testing.T) {
	f := newFixture(t)
	m := metrics.NewMemory()
	mon := NewMonitor(f.store, time.Second, WithTimeProvider(f.clock), WithMetrics(m))
	ctx := context.Background()

	for _, loc := range []string{"rs1", "rs2", "rs3"} {
		_, err := f.coord.Register(ctx, loc, "10.0.0.5:15860")
		require.NoError(t, err)
	}
	f.clock.Advance(testLease + time.Second)
	_, err := f.coord.Register(ctx, "rs3", "10.0.0.5:15860")
	require.NoError(t, err)

	_, err = mon.SweepOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, float64(1), m.Gauge("rangemaster_servers", map[string]string{"state": "active"}))
	assert.Equal(t, float64(2), m.Gauge("rangemaster_servers", map[string]string{"state": "expired"}))
	assert.Equal(t, float64(2), m.Counter("rangemaster_lease_expirations_total", nil))
}

func TestMonitorLoopExpiresInBackground(t *testing.T) {
	store := NewStore()
	coord := NewCoordinator(store, NewSequentialIDs(0), 30*time.Millisecond)
	mon := NewMonitor(store, 10*time.Millisecond)

	_, err := coord.Register(context.Background(), "rs1", "10.0.0.5:15860")
	require.NoError(t, err)

	mon.Start(context.Background())
	defer mon.Stop()

	require.Eventually(t, func() bool {
		rec, _ := store.Get("rs1")
		return rec.State == StateExpired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	mon := NewMonitor(NewStore(), time.Millisecond)
	mon.Stop()

	mon.Start(context.Background())
	mon.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mon.Stop()
		}()
	}
	wg.Wait()
}
