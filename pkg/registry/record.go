package registry

import (
	"fmt"
	"time"
)

// State of a ServerRecord.
type State uint8

const (
	// StateRegistering only exists inside the critical section that creates a
	// record; it is never committed.
	StateRegistering State = iota
	StateActive
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalText renders the state name in JSON/YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "registering":
		*s = StateRegistering
	case "active":
		*s = StateActive
	case "expired":
		*s = StateExpired
	default:
		return fmt.Errorf("unknown server state %q", text)
	}
	return nil
}

// ServerRecord is one registered location. Values handed out by the store are
// snapshots; mutating them has no effect on the registry.
type ServerRecord struct {
	Location       string    `json:"location"`
	ServerID       uint64    `json:"server_id"`
	Address        string    `json:"address"`
	State          State     `json:"state"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	Generation     uint64    `json:"generation"`
	RegisteredAt   time.Time `json:"registered_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (r ServerRecord) LeaseLapsed(now time.Time) bool {
	return now.After(r.LeaseExpiresAt)
}

// legalTransition reports whether from -> to may be committed. existed is
// false when from is the default record of an absent location.
func legalTransition(existed bool, from, to State) bool {
	if !existed {
		return to == StateActive
	}
	switch from {
	case StateActive:
		return to == StateActive || to == StateExpired
	case StateExpired:
		return to == StateActive || to == StateExpired
	default:
		return false
	}
}

// expireTransform moves an Active record to Expired. Unless force is set the
// lease must have lapsed at now; a renewal that committed first wins.
func expireTransform(now time.Time, force bool, expired *bool) Transform {
	return func(cur ServerRecord, exists bool) (ServerRecord, error) {
		*expired = false
		if !exists {
			return cur, errNoRecord
		}
		if cur.State != StateActive || (!force && !cur.LeaseLapsed(now)) {
			return cur, nil
		}
		cur.State = StateExpired
		cur.UpdatedAt = now
		*expired = true
		return cur, nil
	}
}
