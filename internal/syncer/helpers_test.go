package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/remap"
	"github.com/roach88/factsync/internal/store"
	"github.com/roach88/factsync/internal/txlog"
)

var (
	fixedNow = time.UnixMicro(1700000000000000)

	alice = uuid.MustParse("0191f3a0-0000-7000-8000-000000000001")
	bob   = uuid.MustParse("0191f3a0-0000-7000-8000-000000000002")
	carol = uuid.MustParse("0191f3a0-0000-7000-8000-000000000003")
	dave  = uuid.MustParse("0191f3a0-0000-7000-8000-000000000004")

	txA = uuid.MustParse("0191f3a0-0000-7000-8000-00000000000a")
	txB = uuid.MustParse("0191f3a0-0000-7000-8000-00000000000b")
	txC = uuid.MustParse("0191f3a0-0000-7000-8000-00000000000c")
	txD = uuid.MustParse("0191f3a0-0000-7000-8000-00000000000d")
)

// createLocal opens a store whose local transacts allocate ids in order.
func createLocal(t *testing.T, ids ...uuid.UUID) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "local.db"),
		store.WithClock(func() time.Time { return fixedNow }),
		store.WithAllocator(remap.NewFixedAllocator(ids...)),
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

func friendPart(e, friend ir.EntityRef) ir.TxPart {
	return ir.TxPart{E: e, A: ":person/friend", Ref: &friend, Added: true}
}

// seed writes a transaction straight into a log and moves its head.
func seed(t *testing.T, log txlog.Log, id, parent uuid.UUID, parts ...ir.TxPart) {
	t.Helper()
	ctx := context.Background()
	chunks := []uuid.UUID{}
	for _, p := range parts {
		c := ir.MustChunkID(p)
		require.NoError(t, log.PutChunk(ctx, c, p))
		chunks = append(chunks, c)
	}
	require.NoError(t, log.PutTransaction(ctx, id, parent, chunks))
	require.NoError(t, log.SetHead(ctx, id))
}

func head(t *testing.T, s *store.Store) uuid.UUID {
	t.Helper()
	h, err := s.CurrentLocalHead(context.Background())
	require.NoError(t, err)
	return h
}

func remoteHead(t *testing.T, log txlog.Log) uuid.UUID {
	t.Helper()
	h, err := log.Head(context.Background())
	require.NoError(t, err)
	return h
}

var errInjected = errors.New("injected failure")

// faultyLog fails the next n calls of an operation.
type faultyLog struct {
	txlog.Log

	mu    sync.Mutex
	fails map[string]int
}

func newFaultyLog(log txlog.Log) *faultyLog {
	return &faultyLog{Log: log, fails: make(map[string]int)}
}

func (f *faultyLog) failNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[op] = n
}

func (f *faultyLog) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails[op] > 0 {
		f.fails[op]--
		return txlog.NewNetworkError(op, errInjected)
	}
	return nil
}

func (f *faultyLog) PutChunk(ctx context.Context, chunk uuid.UUID, part ir.TxPart) error {
	if err := f.check("put chunk"); err != nil {
		return err
	}
	return f.Log.PutChunk(ctx, chunk, part)
}

func (f *faultyLog) PutTransaction(ctx context.Context, tx, parent uuid.UUID, chunks []uuid.UUID) error {
	if err := f.check("put transaction"); err != nil {
		return err
	}
	return f.Log.PutTransaction(ctx, tx, parent, chunks)
}

func (f *faultyLog) SetHead(ctx context.Context, head uuid.UUID) error {
	if err := f.check("set head"); err != nil {
		return err
	}
	return f.Log.SetHead(ctx, head)
}

func (f *faultyLog) TransactionsAfter(ctx context.Context, from uuid.UUID) ([]ir.Tx, error) {
	if err := f.check("transactions after"); err != nil {
		return nil, err
	}
	return f.Log.TransactionsAfter(ctx, from)
}

// flakyStore lets a test break individual local store operations.
type flakyStore struct {
	*store.Store

	markPushedErr error
	tamper        func(store.ApplyReport) store.ApplyReport
}

func (f *flakyStore) MarkPushed(ctx context.Context, seq int64) error {
	if f.markPushedErr != nil {
		err := f.markPushedErr
		f.markPushedErr = nil
		return err
	}
	return f.Store.MarkPushed(ctx, seq)
}

func (f *flakyStore) Apply(ctx context.Context, req store.ApplyRequest) (store.ApplyReport, error) {
	rep, err := f.Store.Apply(ctx, req)
	if err == nil && f.tamper != nil {
		rep = f.tamper(rep)
	}
	return rep, err
}
