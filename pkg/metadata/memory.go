package metadata

import (
	"context"
	"sort"
	"sync"

	"rangemaster/pkg/registry"
)

// Memory keeps encoded records in a map. It goes through the same codec as
// the ZooKeeper store so both behave alike.
type Memory struct {
	mu      sync.Mutex
	records map[string][]byte
	ceiling uint64
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string][]byte)}
}

func (m *Memory) LoadRecords(ctx context.Context) ([]registry.ServerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]registry.ServerRecord, 0, len(m.records))
	for _, data := range m.records {
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out, nil
}

func (m *Memory) PutRecord(ctx context.Context, rec registry.ServerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[rec.Location] = data
	return nil
}

func (m *Memory) DeleteRecord(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, location)
	return nil
}

func (m *Memory) ReserveIDs(ctx context.Context, n uint64) (uint64, uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, 0, ErrClosed
	}
	from := m.ceiling
	m.ceiling += n
	return from, m.ceiling, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
