// Package metadata persists the registry so a restarted master keeps server
// ids and locations. ZooKeeper backs real deployments, a local journal file
// backs a single master, and an in-process map serves tests.
package metadata

import (
	"context"
	"errors"

	"rangemaster/pkg/registry"
)

var (
	ErrClosed       = errors.New("metadata: store closed")
	ErrIDsExhausted = errors.New("metadata: reserved server id block exhausted")
	// ErrJournalBroken: reopen the journal to recover.
	ErrJournalBroken = errors.New("metadata: journal unusable after failed append")
)

// Store is the durable side of the registry.
type Store interface {
	LoadRecords(ctx context.Context) ([]registry.ServerRecord, error)
	PutRecord(ctx context.Context, rec registry.ServerRecord) error
	DeleteRecord(ctx context.Context, location string) error

	// ReserveIDs moves the persisted id ceiling up by n and returns the
	// previous and the new ceiling. Ids in (from, to] belong to the caller.
	ReserveIDs(ctx context.Context, n uint64) (from, to uint64, err error)

	Close() error
}
