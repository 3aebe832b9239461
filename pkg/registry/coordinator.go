package registry

import (
	"context"
	"net"
	"strings"
	"time"
	"unicode"

	"rangemaster/pkg/mastererr"
)

// MaxLocationLen is the longest location accepted.
const MaxLocationLen = 255

// Outcome says which transition a registration performed.
type Outcome uint8

const (
	OutcomeJoined Outcome = iota + 1
	OutcomeHeartbeat
	OutcomeMoved
	OutcomeRecovered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeJoined:
		return "joined"
	case OutcomeHeartbeat:
		return "heartbeat"
	case OutcomeMoved:
		return "moved"
	case OutcomeRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// Registration is what a range server gets back: its session identity and
// how long the lease lasts.
type Registration struct {
	ServerID       uint64
	Generation     uint64
	Address        string
	LeaseExpiresAt time.Time
	Lease          time.Duration
	Outcome        Outcome
}

// Coordinator implements RegisterServer on top of the store.
type Coordinator struct {
	store *Store
	ids   IDAllocator
	lease time.Duration
	opts  options
}

func NewCoordinator(store *Store, ids IDAllocator, lease time.Duration, opts ...Option) *Coordinator {
	return &Coordinator{
		store: store,
		ids:   ids,
		lease: lease,
		opts:  buildOptions(opts),
	}
}

// ValidateLocation rejects empty and malformed locations.
func ValidateLocation(location string) error {
	switch {
	case location == "":
		return mastererr.Invalid("location is empty")
	case len(location) > MaxLocationLen:
		return mastererr.Invalid("location longer than %d bytes", MaxLocationLen)
	case strings.TrimSpace(location) != location:
		return mastererr.Invalid("location %q has leading or trailing whitespace", location)
	}
	for _, r := range location {
		if r == unicode.ReplacementChar || unicode.IsControl(r) {
			return mastererr.Invalid("location %q contains invalid characters", location)
		}
	}
	return nil
}

func validateAddress(addr string) error {
	if addr == "" {
		return mastererr.Invalid("observed address is empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return mastererr.Invalid("observed address %q: %v", addr, err)
	}
	return nil
}

// Register registers or heartbeats the server at location. observed is the
// peer address seen by the transport, never a value from the payload.
func (c *Coordinator) Register(ctx context.Context, location, observed string) (Registration, error) {
	if err := ValidateLocation(location); err != nil {
		c.count("invalid")
		return Registration{}, err
	}
	if err := validateAddress(observed); err != nil {
		c.count("invalid")
		return Registration{}, err
	}
	if err := ctx.Err(); err != nil {
		return Registration{}, mastererr.Unavail(err, "register %q", location)
	}

	var outcome Outcome
	rec, err := c.store.UpsertAtomic(location, func(cur ServerRecord, exists bool) (ServerRecord, error) {
		now := c.opts.tp.Now()

		if !exists {
			id, err := c.ids.NextID()
			if err != nil {
				return cur, mastererr.Unavail(err, "allocate server id")
			}
			cur.ServerID = id
			cur.RegisteredAt = now
			outcome = OutcomeJoined
		} else {
			switch cur.State {
			case StateExpired:
				cur.Generation++
				outcome = OutcomeRecovered
			case StateActive:
				if cur.Address == observed {
					outcome = OutcomeHeartbeat
				} else {
					outcome = OutcomeMoved
				}
			default:
				return cur, mastererr.New(mastererr.Internal, "record %q in state %s", location, cur.State)
			}
		}

		cur.Address = observed
		cur.State = StateActive
		cur.LeaseExpiresAt = now.Add(c.lease)
		cur.UpdatedAt = now
		return cur, nil
	})
	if err != nil {
		c.count(strings.ToLower(mastererr.KindOf(err).String()))
		c.opts.log.Warn("register server failed", "location", location, "addr", observed, "error", err)
		return Registration{}, err
	}

	c.count(outcome.String())
	if outcome == OutcomeHeartbeat {
		c.opts.log.Debug("lease renewed", "location", location, "server_id", rec.ServerID)
	} else {
		c.opts.log.Info("server registered",
			"location", location, "server_id", rec.ServerID, "generation", rec.Generation,
			"addr", rec.Address, "outcome", outcome)
	}

	return Registration{
		ServerID:       rec.ServerID,
		Generation:     rec.Generation,
		Address:        rec.Address,
		LeaseExpiresAt: rec.LeaseExpiresAt,
		Lease:          c.lease,
		Outcome:        outcome,
	}, nil
}

// Expire forces the record at location into Expired regardless of its lease.
func (c *Coordinator) Expire(ctx context.Context, location string) (ServerRecord, error) {
	if err := ValidateLocation(location); err != nil {
		return ServerRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return ServerRecord{}, mastererr.Unavail(err, "expire %q", location)
	}

	var expired bool
	rec, err := c.store.UpsertAtomic(location, expireTransform(c.opts.tp.Now(), true, &expired))
	if err != nil {
		return ServerRecord{}, err
	}
	if expired {
		c.opts.log.Info("server lease revoked", "location", location, "server_id", rec.ServerID)
	}
	return rec, nil
}

// Remove deletes an expired record. Active servers must expire first.
func (c *Coordinator) Remove(ctx context.Context, location string) (ServerRecord, error) {
	if err := ValidateLocation(location); err != nil {
		return ServerRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return ServerRecord{}, mastererr.Unavail(err, "remove %q", location)
	}

	rec, err := c.store.Remove(location, func(cur ServerRecord) error {
		if cur.State != StateExpired {
			return mastererr.Invalid("server at %q is %s; only expired servers can be removed", location, cur.State)
		}
		return nil
	})
	if err != nil {
		return ServerRecord{}, err
	}
	c.opts.log.Info("server removed", "location", location, "server_id", rec.ServerID)
	return rec, nil
}

func (c *Coordinator) Lookup(location string) (ServerRecord, bool) {
	return c.store.Get(location)
}

func (c *Coordinator) List() []ServerRecord {
	return c.store.SnapshotAll()
}

func (c *Coordinator) count(outcome string) {
	c.opts.metrics.IncCounter("rangemaster_registrations_total", map[string]string{"outcome": outcome}, 1)
}
