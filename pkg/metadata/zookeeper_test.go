package metadata

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"rangemaster/pkg/config"
	"rangemaster/pkg/registry"
)

// Runs against a real ensemble only, e.g.
// RANGEMASTER_TEST_ZK=127.0.0.1:2181 go test ./pkg/metadata/
func zkStoreForTest(t *testing.T) *ZKStore {
	t.Helper()
	servers := os.Getenv("RANGEMASTER_TEST_ZK")
	if servers == "" {
		t.Skip("RANGEMASTER_TEST_ZK not set")
	}

	cfg := config.Default().Metadata
	cfg.Backend = config.MetadataZookeeper
	cfg.ZKServers = strings.Split(servers, ",")
	cfg.RootPath = "/rangemaster-test-" + time.Now().Format("150405.000000")

	s, err := NewZKStore(cfg, slog.Default())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestZKStoreRecords(t *testing.T) {
	s := zkStoreForTest(t)
	ctx := context.Background()

	rec := sampleRecord()
	rec.Location = "dc1/rack 2/rs1"
	if err := s.PutRecord(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec.Address = "10.0.0.9:15860"
	if err := s.PutRecord(ctx, rec); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	recs, err := s.LoadRecords(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 1 || recs[0] != rec {
		t.Fatalf("unexpected records: %+v", recs)
	}

	if err := s.DeleteRecord(ctx, rec.Location); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteRecord(ctx, rec.Location); err != nil {
		t.Fatalf("delete twice: %v", err)
	}
}

func TestZKStoreReserveIDs(t *testing.T) {
	s := zkStoreForTest(t)
	ctx := context.Background()

	from, to, err := s.ReserveIDs(ctx, 10)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if from != 0 || to != 10 {
		t.Fatalf("first block = (%d, %d]", from, to)
	}

	a, err := NewBlockAllocator(ctx, s, 10, 0, nil)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	defer a.Close()
	id, err := a.NextID()
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if id != 11 {
		t.Fatalf("id = %d, want 11", id)
	}

	var _ registry.IDAllocator = a
}
