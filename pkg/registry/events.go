package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventKind uint8

const (
	EventJoined EventKind = iota + 1
	EventMoved
	EventRecovered
	EventExpired
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventMoved:
		return "moved"
	case EventRecovered:
		return "recovered"
	case EventExpired:
		return "expired"
	case EventRemoved:
		return "removed"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is a membership change. Events for one location arrive in commit
// order; delivery is at-least-once, so consumers dedupe on Key().
type Event struct {
	ID         uuid.UUID `json:"id"`
	Kind       EventKind `json:"kind"`
	Location   string    `json:"location"`
	ServerID   uint64    `json:"server_id"`
	Generation uint64    `json:"generation"`
	Address    string    `json:"address"`
	At         time.Time `json:"at"`
}

// Key identifies the logical event independent of redelivery.
func (e Event) Key() string {
	return fmt.Sprintf("%s/%d/%s", e.Location, e.Generation, e.Kind)
}

// Sink consumes membership events, e.g. range reassignment.
type Sink interface {
	HandleEvent(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// classify derives the event for a committed transition, if any.
func classify(t Transition) (EventKind, bool) {
	switch {
	case t.Removed:
		return EventRemoved, true
	case !t.Existed:
		return EventJoined, true
	case t.Prev.State == StateExpired && t.Next.State == StateActive:
		return EventRecovered, true
	case t.Prev.State == StateActive && t.Next.State == StateExpired:
		return EventExpired, true
	case t.Prev.State == StateActive && t.Next.State == StateActive && t.Prev.Address != t.Next.Address:
		return EventMoved, true
	default:
		return 0, false
	}
}

func eventFor(kind EventKind, rec ServerRecord, at time.Time) Event {
	return Event{
		ID:         uuid.New(),
		Kind:       kind,
		Location:   rec.Location,
		ServerID:   rec.ServerID,
		Generation: rec.Generation,
		Address:    rec.Address,
		At:         at,
	}
}
