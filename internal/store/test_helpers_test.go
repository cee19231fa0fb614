package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/remap"
)

var (
	fixedNow = time.UnixMicro(1700000000000000)
	entity1  = uuid.MustParse("0191f3a0-0000-7000-8000-000000000001")
	entity2  = uuid.MustParse("0191f3a0-0000-7000-8000-000000000002")
	entity3  = uuid.MustParse("0191f3a0-0000-7000-8000-000000000003")
	remoteTx = uuid.MustParse("0191f3a0-0000-7000-8000-0000000000a1")
	pushTx   = uuid.MustParse("0191f3a0-0000-7000-8000-0000000000b1")
)

// createTestStore creates a new store in a temp dir with a fixed clock
// and a fixed allocator handing out entity1..entity3.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path,
		WithClock(func() time.Time { return fixedNow }),
		WithAllocator(remap.NewFixedAllocator(entity1, entity2, entity3)),
	)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func namePart(e ir.EntityRef, name string) ir.TxPart {
	return ir.TxPart{E: e, A: ":person/name", V: ir.String(name), Added: true}
}
