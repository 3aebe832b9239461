package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"rangemaster/pkg/clock"
	"rangemaster/pkg/config"
)

const testLease = 10 * time.Second

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingHook captures classified transitions synchronously, in commit order.
type recordingHook struct {
	mu     sync.Mutex
	events []Event
}

func (h *recordingHook) hook(t Transition) error {
	kind, ok := classify(t)
	if !ok {
		return nil
	}
	h.mu.Lock()
	h.events = append(h.events, eventFor(kind, t.Next, t.Next.UpdatedAt))
	h.mu.Unlock()
	return nil
}

func (h *recordingHook) all() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func (h *recordingHook) kinds(location string) []EventKind {
	var out []EventKind
	for _, ev := range h.all() {
		if ev.Location == location {
			out = append(out, ev.Kind)
		}
	}
	return out
}

type fixture struct {
	clock  *clock.Manual
	store  *Store
	rec    *recordingHook
	coord  *Coordinator
	mon    *Monitor
	idsSeq *SequentialIDs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clock.NewManual(testEpoch),
		store:  NewStore(),
		rec:    &recordingHook{},
		idsSeq: NewSequentialIDs(0),
	}
	f.store.AddCommitHook(f.rec.hook)
	f.coord = NewCoordinator(f.store, f.idsSeq, testLease, WithTimeProvider(f.clock))
	f.mon = NewMonitor(f.store, time.Second, WithTimeProvider(f.clock))
	return f
}

func testRegistryConfig() config.RegistryConfig {
	return config.RegistryConfig{
		LeaseDuration: testLease,
		SweepInterval: time.Second,
		EventBuffer:   64,
	}
}

type failingIDs struct{}

func (failingIDs) NextID() (uint64, error) {
	return 0, errors.New("id block exhausted")
}
