package metadata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rangemaster/pkg/config"
	"rangemaster/pkg/encoding/serial"
	"rangemaster/pkg/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRecord() registry.ServerRecord {
	return registry.ServerRecord{
		Location:       "rs1",
		ServerID:       42,
		Address:        "10.0.0.5:15860",
		State:          registry.StateActive,
		LeaseExpiresAt: epoch.Add(time.Minute),
		Generation:     3,
		RegisteredAt:   epoch.Add(-time.Hour),
		UpdatedAt:      epoch,
	}
}

func TestRecordCodec(t *testing.T) {
	rec := sampleRecord()
	data, err := encodeRecord(rec)
	require.NoError(t, err)

	got, err := decodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = decodeRecord(data[:len(data)-3])
	var de *serial.DecodeError
	assert.ErrorAs(t, err, &de)

	_, err = decodeRecord(append(data, 0))
	assert.Error(t, err)

	bad := append([]byte(nil), data...)
	bad[0] = 9
	_, err = decodeRecord(bad)
	assert.ErrorContains(t, err, "unsupported record version")
}

func TestRecordCodecZeroTimes(t *testing.T) {
	rec := registry.ServerRecord{Location: "rs2", ServerID: 1, State: registry.StateExpired}
	data, err := encodeRecord(rec)
	require.NoError(t, err)

	got, err := decodeRecord(data)
	require.NoError(t, err)
	assert.True(t, got.RegisteredAt.IsZero())
	assert.Equal(t, rec, got)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rec := sampleRecord()
	require.NoError(t, m.PutRecord(ctx, rec))
	other := rec
	other.Location = "rs0"
	other.ServerID = 7
	require.NoError(t, m.PutRecord(ctx, other))

	recs, err := m.LoadRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "rs0", recs[0].Location)
	assert.Equal(t, rec, recs[1])

	require.NoError(t, m.DeleteRecord(ctx, "rs0"))
	require.NoError(t, m.DeleteRecord(ctx, "missing"))
	recs, err = m.LoadRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	from, to, err := m.ReserveIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), from)
	assert.Equal(t, uint64(10), to)
	from, to, err = m.ReserveIDs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), from)
	assert.Equal(t, uint64(15), to)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.PutRecord(ctx, rec), ErrClosed)
	_, _, err = m.ReserveIDs(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBlockAllocatorRefillsAhead(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a, err := NewBlockAllocator(ctx, m, 8, 0, nil)
	require.NoError(t, err)
	defer a.Close()

	seen := make(map[uint64]bool)
	for i := 0; i < 40; i++ {
		var id uint64
		require.Eventually(t, func() bool {
			id, err = a.NextID()
			return err == nil
		}, 2*time.Second, time.Millisecond)
		require.False(t, seen[id], "id %d reused", id)
		seen[id] = true
	}
	assert.Len(t, seen, 40)
}

func TestBlockAllocatorSkipsUnusedBlockAfterRestart(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a, err := NewBlockAllocator(ctx, m, 100, 0, nil)
	require.NoError(t, err)
	id, err := a.NextID()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	a.Close()

	// a new master on the same store starts above the whole first block
	b, err := NewBlockAllocator(ctx, m, 100, id, nil)
	require.NoError(t, err)
	defer b.Close()
	id, err = b.NextID()
	require.NoError(t, err)
	assert.Equal(t, uint64(101), id)
}

func TestBlockAllocatorHonoursFloor(t *testing.T) {
	a, err := NewBlockAllocator(context.Background(), NewMemory(), 10, 250, nil)
	require.NoError(t, err)
	defer a.Close()

	id, err := a.NextID()
	require.NoError(t, err)
	assert.Equal(t, uint64(251), id)
	assert.Positive(t, a.Remaining())
}

// flakyStore fails reservations after the first one.
type flakyStore struct {
	*Memory
	mu    sync.Mutex
	calls int
}

func (f *flakyStore) ReserveIDs(ctx context.Context, n uint64) (uint64, uint64, error) {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	f.mu.Unlock()
	if calls > 1 {
		return 0, 0, errors.New("zk session expired")
	}
	return f.Memory.ReserveIDs(ctx, n)
}

func TestBlockAllocatorFailsFastWhenExhausted(t *testing.T) {
	a, err := NewBlockAllocator(context.Background(), &flakyStore{Memory: NewMemory()}, 2, 0, nil)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.NextID()
	require.NoError(t, err)
	_, err = a.NextID()
	require.NoError(t, err)
	_, err = a.NextID()
	assert.ErrorIs(t, err, ErrIDsExhausted)
}

func TestBlockAllocatorRejectsZeroBlock(t *testing.T) {
	_, err := NewBlockAllocator(context.Background(), NewMemory(), 0, 0, nil)
	assert.Error(t, err)
}

func TestSyncerMirrorsRegistry(t *testing.T) {
	ctx := context.Background()
	md := NewMemory()
	store := registry.NewStore()
	coord := registry.NewCoordinator(store, registry.NewSequentialIDs(0), time.Minute)
	syncer := NewSyncer(md, store.Get, nil)

	reg, err := coord.Register(ctx, "rs1", "10.0.0.5:15860")
	require.NoError(t, err)
	require.NoError(t, syncer.HandleEvent(ctx, registry.Event{Kind: registry.EventJoined, Location: "rs1"}))

	recs, err := md.LoadRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, reg.ServerID, recs[0].ServerID)
	assert.Equal(t, "10.0.0.5:15860", recs[0].Address)

	_, err = coord.Expire(ctx, "rs1")
	require.NoError(t, err)
	_, err = coord.Remove(ctx, "rs1")
	require.NoError(t, err)
	require.NoError(t, syncer.HandleEvent(ctx, registry.Event{Kind: registry.EventRemoved, Location: "rs1"}))

	recs, err = md.LoadRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// outageStore fails the next failures record writes, like a ZooKeeper
// connection loss that outlasts the dispatcher's retries.
type outageStore struct {
	*Memory
	mu       sync.Mutex
	failures int
}

func (o *outageStore) PutRecord(ctx context.Context, rec registry.ServerRecord) error {
	o.mu.Lock()
	if o.failures > 0 {
		o.failures--
		o.mu.Unlock()
		return errors.New("zk: connection closed")
	}
	o.mu.Unlock()
	return o.Memory.PutRecord(ctx, rec)
}

func TestSyncerPersistsThroughOutageLongerThanRetries(t *testing.T) {
	ctx := context.Background()
	cfg := config.RegistryConfig{LeaseDuration: time.Minute, SweepInterval: time.Hour, EventBuffer: 8}
	md := &outageStore{Memory: NewMemory(), failures: 5}

	ids, err := NewBlockAllocator(ctx, md, 10, 0, nil)
	require.NoError(t, err)
	reg := registry.New(cfg, ids, registry.WithSinkRetries(1))
	syncer := NewSyncer(md, reg.Store.Get, nil)
	reg.Subscribe(syncer)
	reg.Start(ctx)

	first, err := reg.Coordinator.Register(ctx, "rs1", "10.0.0.5:15860")
	require.NoError(t, err)
	require.Equal(t, registry.OutcomeJoined, first.Outcome)

	// the dispatcher gives up after two attempts; the location stays dirty
	reg.Stop()
	assert.Equal(t, 1, syncer.Pending())
	recs, err := md.LoadRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	syncer.Start(ctx, 5*time.Millisecond)
	require.Eventually(t, func() bool { return syncer.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, syncer.Stop(ctx))
	ids.Close()

	// master restart
	restored := registry.NewStore()
	maxID, n, err := Restore(ctx, md, restored, cfg.LeaseDuration, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ids, err = NewBlockAllocator(ctx, md, 10, maxID, nil)
	require.NoError(t, err)
	defer ids.Close()
	reg = registry.New(cfg, ids)
	require.NoError(t, reg.Store.Restore(restored.SnapshotAll()))

	again, err := reg.Coordinator.Register(ctx, "rs1", "10.0.0.5:15860")
	require.NoError(t, err)
	assert.Equal(t, first.ServerID, again.ServerID)
	assert.NotEqual(t, registry.OutcomeJoined, again.Outcome)
}

func TestSyncerStopReportsUnpersisted(t *testing.T) {
	ctx := context.Background()
	md := &outageStore{Memory: NewMemory(), failures: 100}
	store := registry.NewStore()
	_, err := store.UpsertAtomic("rs1", func(cur registry.ServerRecord, _ bool) (registry.ServerRecord, error) {
		cur.State = registry.StateActive
		cur.ServerID = 1
		return cur, nil
	})
	require.NoError(t, err)

	syncer := NewSyncer(md, store.Get, nil)
	require.Error(t, syncer.HandleEvent(ctx, registry.Event{Kind: registry.EventJoined, Location: "rs1"}))
	assert.Equal(t, 1, syncer.Pending())

	err = syncer.Stop(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, syncer.Pending())

	md.mu.Lock()
	md.failures = 0
	md.mu.Unlock()
	require.NoError(t, syncer.Flush(ctx))
	assert.Zero(t, syncer.Pending())
	recs, err := md.LoadRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].ServerID)
}

func TestRestoreGrantsOneLease(t *testing.T) {
	ctx := context.Background()
	md := NewMemory()

	active := sampleRecord()
	active.LeaseExpiresAt = epoch.Add(-time.Hour)
	expired := sampleRecord()
	expired.Location = "rs2"
	expired.ServerID = 77
	expired.State = registry.StateExpired
	require.NoError(t, md.PutRecord(ctx, active))
	require.NoError(t, md.PutRecord(ctx, expired))

	store := registry.NewStore()
	maxID, n, err := Restore(ctx, md, store, time.Minute, epoch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(77), maxID)

	rs1, ok := store.Get("rs1")
	require.True(t, ok)
	assert.Equal(t, registry.StateActive, rs1.State)
	assert.Equal(t, epoch.Add(time.Minute), rs1.LeaseExpiresAt)
	assert.Equal(t, uint64(3), rs1.Generation)

	rs2, _ := store.Get("rs2")
	assert.Equal(t, registry.StateExpired, rs2.State)
	assert.Equal(t, expired.LeaseExpiresAt, rs2.LeaseExpiresAt)

	// restored ids are never handed out again
	ids, err := NewBlockAllocator(ctx, md, 10, maxID, nil)
	require.NoError(t, err)
	defer ids.Close()
	coord := registry.NewCoordinator(store, ids, time.Minute)
	reg, err := coord.Register(ctx, "rs3", "10.0.0.7:15860")
	require.NoError(t, err)
	assert.Greater(t, reg.ServerID, maxID)
}
