package txlog

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/factsync/internal/ir"
)

var alice = uuid.MustParse("0191f3a0-0000-7000-8000-000000000001")

func namePart(name string) ir.TxPart {
	return ir.TxPart{E: ir.Stable(alice), A: ":person/name", V: ir.String(name), Added: true}
}

// putTx stores every part as a chunk, then the header, then moves head.
func putTx(t *testing.T, log Log, id, parent uuid.UUID, parts ...ir.TxPart) []uuid.UUID {
	t.Helper()
	ctx := context.Background()
	var chunks []uuid.UUID
	for _, p := range parts {
		c := ir.MustChunkID(p)
		require.NoError(t, log.PutChunk(ctx, c, p))
		chunks = append(chunks, c)
	}
	require.NoError(t, log.PutTransaction(ctx, id, parent, chunks))
	require.NoError(t, log.SetHead(ctx, id))
	return chunks
}

func TestMemoryLogEmpty(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	head, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.EmptyHead, head)

	txs, err := log.TransactionsAfter(ctx, ir.EmptyHead)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestMemoryLogChunkIdempotence(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	p := namePart("Alice")
	id := ir.MustChunkID(p)

	require.NoError(t, log.PutChunk(ctx, id, p))
	require.NoError(t, log.PutChunk(ctx, id, p))

	first, err := log.Chunk(ctx, id)
	require.NoError(t, err)
	second, err := log.Chunk(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, p, first)

	err = log.PutChunk(ctx, id, namePart("Mallory"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindDuplicateMetadata))
}

func TestMemoryLogCausalOrder(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	putTx(t, log, txA, ir.EmptyHead, ir.InstantPart(1), namePart("A"))
	putTx(t, log, txB, txA, ir.InstantPart(2), namePart("B"))
	putTx(t, log, txC, txB, ir.InstantPart(3))

	txs, err := log.TransactionsAfter(ctx, ir.EmptyHead)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, txA, txs[0].UUID)
	assert.Equal(t, txB, txs[1].UUID)
	assert.Equal(t, txC, txs[2].UUID)
	assert.Equal(t, []ir.TxPart{ir.InstantPart(2), namePart("B")}, txs[1].Parts)

	prev := ir.EmptyHead
	for _, tx := range txs {
		h, err := log.Header(ctx, tx.UUID)
		require.NoError(t, err)
		assert.Equal(t, prev, h.Parent)
		prev = tx.UUID
	}

	after, err := log.TransactionsAfter(ctx, txB)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, txC, after[0].UUID)
}

func TestMemoryLogHeaderRoundTrip(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	chunks := putTx(t, log, txA, ir.EmptyHead, ir.InstantPart(1), namePart("A"))

	h, err := log.Header(ctx, txA)
	require.NoError(t, err)
	assert.Equal(t, ir.EmptyHead, h.Parent)
	assert.Equal(t, chunks, h.Chunks)
	assert.Equal(t, int64(1), h.Seq)
}

func TestMemoryLogHeaderCopiesChunks(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	require.NoError(t, log.PutTransaction(ctx, txA, ir.EmptyHead, nil))
	h, err := log.Header(ctx, txA)
	require.NoError(t, err)
	assert.NotNil(t, h.Chunks, "no chunks reads back as an empty list")
	assert.Empty(t, h.Chunks)

	chunks := putTx(t, log, txB, txA, namePart("B"))
	chunks[0] = txC
	h, err = log.Header(ctx, txB)
	require.NoError(t, err)
	assert.Equal(t, ir.MustChunkID(namePart("B")), h.Chunks[0])

	h.Chunks[0] = txC
	again, err := log.Header(ctx, txB)
	require.NoError(t, err)
	assert.Equal(t, ir.MustChunkID(namePart("B")), again.Chunks[0])
}

func TestMemoryLogHeaderIdempotent(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	chunks := putTx(t, log, txA, ir.EmptyHead, ir.InstantPart(1))

	require.NoError(t, log.PutTransaction(ctx, txA, ir.EmptyHead, chunks))

	h, err := log.Header(ctx, txA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.Seq, "re-submission must not renumber")

	err = log.PutTransaction(ctx, txA, ir.EmptyHead, nil)
	assert.True(t, IsKind(err, KindDuplicateMetadata))
}

func TestMemoryLogRejectsDanglingReferences(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	err := log.PutTransaction(ctx, txA, ir.EmptyHead, []uuid.UUID{ir.MustChunkID(namePart("A"))})
	assert.True(t, IsBadRemoteState(err))

	err = log.PutTransaction(ctx, txB, txA, nil)
	assert.True(t, IsBadRemoteState(err))

	err = log.PutTransaction(ctx, ir.EmptyHead, ir.EmptyHead, nil)
	assert.True(t, IsBadRemoteState(err))
}

func TestMemoryLogSetHeadUnknown(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	putTx(t, log, txA, ir.EmptyHead, ir.InstantPart(1))

	ghost := uuid.MustParse("0191f3a0-0000-7000-8000-0000000000ff")
	require.NoError(t, log.SetHead(ctx, ghost))

	_, err := log.TransactionsAfter(ctx, ghost)
	require.Error(t, err)
	assert.True(t, IsBadRemoteState(err))

	_, err = log.TransactionsAfter(ctx, ir.EmptyHead)
	require.Error(t, err)
	assert.True(t, IsBadRemoteState(err))
}

func TestMemoryLogOrphanHeaderInvisible(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	putTx(t, log, txA, ir.EmptyHead, ir.InstantPart(1))

	// Header stored but head never advanced.
	require.NoError(t, log.PutTransaction(ctx, txB, txA, nil))

	txs, err := log.TransactionsAfter(ctx, ir.EmptyHead)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, txA, txs[0].UUID)
}

func TestMemoryLogMissingChunk(t *testing.T) {
	log := NewMemoryLog()
	_, err := log.Chunk(context.Background(), alice)
	assert.True(t, IsBadRemoteState(err))
	_, err = log.Header(context.Background(), alice)
	assert.True(t, IsBadRemoteState(err))
}
