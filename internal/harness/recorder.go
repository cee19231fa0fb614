package harness

import (
	"context"

	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/txlog"
)

// recordingLog traces every call one replica makes to the remote log.
type recordingLog struct {
	next    txlog.Log
	replica string
	h       *Harness
}

var _ txlog.Log = (*recordingLog)(nil)

func (l *recordingLog) record(op string, args map[string]any, err error) {
	if err != nil {
		args["error"] = errorKind(err)
	}
	l.h.trace(l.replica, op, args)
}

func (l *recordingLog) Head(ctx context.Context) (uuid.UUID, error) {
	head, err := l.next.Head(ctx)
	l.record(OpHead, map[string]any{"head": head.String()}, err)
	return head, err
}

func (l *recordingLog) SetHead(ctx context.Context, head uuid.UUID) error {
	err := l.next.SetHead(ctx, head)
	l.record(OpSetHead, map[string]any{"head": head.String()}, err)
	return err
}

func (l *recordingLog) TransactionsAfter(ctx context.Context, from uuid.UUID) ([]ir.Tx, error) {
	txs, err := l.next.TransactionsAfter(ctx, from)
	ids := make([]uuid.UUID, len(txs))
	for i, tx := range txs {
		ids[i] = tx.UUID
	}
	l.record(OpTransactionsAfter, map[string]any{
		"from": from.String(),
		"txs":  uuidList(ids),
	}, err)
	return txs, err
}

func (l *recordingLog) PutTransaction(ctx context.Context, tx, parent uuid.UUID, chunks []uuid.UUID) error {
	err := l.next.PutTransaction(ctx, tx, parent, chunks)
	l.record(OpPutTransaction, map[string]any{
		"tx":     tx.String(),
		"parent": parent.String(),
		"chunks": uuidList(chunks),
	}, err)
	return err
}

func (l *recordingLog) PutChunk(ctx context.Context, chunk uuid.UUID, part ir.TxPart) error {
	err := l.next.PutChunk(ctx, chunk, part)
	l.record(OpPutChunk, map[string]any{"chunk": chunk.String()}, err)
	return err
}
