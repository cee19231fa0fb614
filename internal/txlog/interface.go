package txlog

import (
	"context"

	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
)

// Log is the capability set a synchronizer needs from a transaction log.
// Every call either completes with a value or fails with a typed *Error;
// there are no partial results.
type Log interface {
	// Head returns the current head pointer, ir.EmptyHead for a new log.
	Head(ctx context.Context) (uuid.UUID, error)

	// SetHead overwrites the head pointer unconditionally. There is no
	// compare-and-swap: callers serialize writers per namespace.
	SetHead(ctx context.Context, head uuid.UUID) error

	// TransactionsAfter returns every transaction causally after from, in
	// ascending causal order, fully hydrated. An unknown from is a
	// BadRemoteState error, never an empty result.
	TransactionsAfter(ctx context.Context, from uuid.UUID) ([]ir.Tx, error)

	// PutTransaction records a header. All chunks must already be stored.
	// Re-submitting an identical header is not an error.
	PutTransaction(ctx context.Context, tx, parent uuid.UUID, chunks []uuid.UUID) error

	// PutChunk stores one part under its content address. Identical
	// re-writes succeed; a different payload for a known id is rejected.
	PutChunk(ctx context.Context, chunk uuid.UUID, part ir.TxPart) error
}

// Reader exposes the individual reads behind TransactionsAfter.
// All shipped backends implement it.
type Reader interface {
	Header(ctx context.Context, tx uuid.UUID) (ir.TxHeader, error)
	Chunk(ctx context.Context, chunk uuid.UUID) (ir.TxPart, error)
}
