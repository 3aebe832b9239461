package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"rangemaster/pkg/mastererr"

	"github.com/zhangyunhao116/skipmap"
)

var (
	errNoRecord      = mastererr.New(mastererr.NotFound, "no server registered at this location")
	ErrDuplicateSlot = errors.New("registry: duplicate location in restore set")
)

// Transform computes the next version of a record. It runs inside the
// per-location critical section and must not block. An absent location is
// passed as the default record (State Registering) with exists=false.
// Returning an error discards the transformation.
type Transform func(cur ServerRecord, exists bool) (ServerRecord, error)

// Transition is a committed change of one record, handed to commit hooks.
type Transition struct {
	Prev    ServerRecord
	Existed bool
	Next    ServerRecord
	Removed bool
}

// CommitHook observes a transition before it becomes visible. Hooks run in
// registration order inside the critical section; the first error aborts the
// commit and nothing is published. A hook with side effects that cannot be
// undone belongs in SetPublishHook.
type CommitHook func(t Transition) error

// slot holds the committed snapshot of one location. mu serializes writers;
// readers only touch current.
type slot struct {
	mu      sync.Mutex
	current atomic.Pointer[ServerRecord]
	removed bool
}

type slotMap = skipmap.FuncMap[string, *slot]

// Store is the location -> ServerRecord table. Writers to different
// locations never contend; there is no table-wide lock.
type Store struct {
	slots   *slotMap
	hooks   []CommitHook
	publish CommitHook
}

func NewStore() *Store {
	return &Store{
		slots: skipmap.NewFunc[string, *slot](func(a, b string) bool {
			return a < b
		}),
	}
}

// AddCommitHook must be called before the store is shared between goroutines.
func (s *Store) AddCommitHook(h CommitHook) {
	s.hooks = append(s.hooks, h)
}

// SetPublishHook installs the hook that runs after every commit hook has
// accepted the transition, so nothing it emits can be vetoed later. It may
// still reject the commit itself, and must leave no trace when it does.
func (s *Store) SetPublishHook(h CommitHook) {
	s.publish = h
}

func (s *Store) runHooks(t Transition) error {
	for _, h := range s.hooks {
		if err := h(t); err != nil {
			return err
		}
	}
	if s.publish != nil {
		return s.publish(t)
	}
	return nil
}

// Get returns the last committed snapshot for location.
func (s *Store) Get(location string) (ServerRecord, bool) {
	sl, ok := s.slots.Load(location)
	if !ok {
		return ServerRecord{}, false
	}
	rec := sl.current.Load()
	if rec == nil {
		return ServerRecord{}, false
	}
	return *rec, true
}

func (s *Store) acquire(location string) *slot {
	for {
		sl, ok := s.slots.Load(location)
		if !ok {
			sl, _ = s.slots.LoadOrStore(location, &slot{})
		}
		sl.mu.Lock()
		if !sl.removed {
			return sl
		}
		// lost a race with Remove; the next Load sees a fresh slot
		sl.mu.Unlock()
	}
}

// discard drops a slot that never got a committed record. Caller holds sl.mu.
func (s *Store) discard(location string, sl *slot) {
	if sl.current.Load() != nil {
		return
	}
	sl.removed = true
	s.slots.Delete(location)
}

// UpsertAtomic applies fn to the record at location and commits the result.
// It returns the committed snapshot, or the unchanged one if fn made no change.
func (s *Store) UpsertAtomic(location string, fn Transform) (ServerRecord, error) {
	sl := s.acquire(location)
	defer sl.mu.Unlock()

	var (
		prev    ServerRecord
		existed bool
	)
	if p := sl.current.Load(); p != nil {
		prev, existed = *p, true
	} else {
		prev = ServerRecord{Location: location, State: StateRegistering}
	}

	next, err := fn(prev, existed)
	if err != nil {
		s.discard(location, sl)
		return ServerRecord{}, err
	}
	next.Location = location

	if existed && next == prev {
		return prev, nil
	}
	if !legalTransition(existed, prev.State, next.State) {
		s.discard(location, sl)
		return ServerRecord{}, mastererr.New(mastererr.Internal,
			"illegal transition %s -> %s at %q", prev.State, next.State, location)
	}

	t := Transition{Prev: prev, Existed: existed, Next: next}
	if err := s.runHooks(t); err != nil {
		s.discard(location, sl)
		return ServerRecord{}, mastererr.Unavail(err, "commit %q", location)
	}

	sl.current.Store(&next)
	return next, nil
}

// Remove deletes the record at location if check accepts it.
func (s *Store) Remove(location string, check func(ServerRecord) error) (ServerRecord, error) {
	sl, ok := s.slots.Load(location)
	if !ok {
		return ServerRecord{}, errNoRecord
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	p := sl.current.Load()
	if sl.removed || p == nil {
		return ServerRecord{}, errNoRecord
	}
	prev := *p
	if check != nil {
		if err := check(prev); err != nil {
			return ServerRecord{}, err
		}
	}

	t := Transition{Prev: prev, Existed: true, Next: prev, Removed: true}
	if err := s.runHooks(t); err != nil {
		return ServerRecord{}, mastererr.Unavail(err, "remove %q", location)
	}

	sl.removed = true
	sl.current.Store(nil)
	s.slots.Delete(location)
	return prev, nil
}

// SnapshotAll copies every committed record, ordered by location. Each record
// is a committed version; writers are never blocked.
func (s *Store) SnapshotAll() []ServerRecord {
	out := make([]ServerRecord, 0, s.slots.Len())
	s.slots.Range(func(_ string, sl *slot) bool {
		if rec := sl.current.Load(); rec != nil {
			out = append(out, *rec)
		}
		return true
	})
	return out
}

func (s *Store) Len() int {
	n := 0
	s.slots.Range(func(_ string, sl *slot) bool {
		if sl.current.Load() != nil {
			n++
		}
		return true
	})
	return n
}

// Restore loads persisted records into an empty store. Hooks are not run.
func (s *Store) Restore(records []ServerRecord) error {
	for i := range records {
		rec := records[i]
		if rec.Location == "" {
			return fmt.Errorf("restore record %d: empty location", i)
		}
		if rec.State != StateActive && rec.State != StateExpired {
			return fmt.Errorf("restore %q: illegal state %s", rec.Location, rec.State)
		}
		sl, loaded := s.slots.LoadOrStore(rec.Location, &slot{})
		if loaded {
			return fmt.Errorf("restore %q: %w", rec.Location, ErrDuplicateSlot)
		}
		sl.current.Store(&rec)
	}
	return nil
}
