package syncer

import (
	"context"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/remap"
	"github.com/roach88/factsync/internal/store"
	"github.com/roach88/factsync/internal/txlog"
)

// Resolve turns one pulled transaction into an apply request. It uses a
// fresh remap table: "tx" resolves to the transaction UUID, every other
// tempid is allocated on first sight and reused after that.
//
// Exactly one :db/txInstant part must be present, on the transaction
// itself, with an integer value.
func Resolve(tx ir.Tx, alloc remap.Allocator) (store.ApplyRequest, error) {
	if tx.UUID == ir.EmptyHead {
		return store.ApplyRequest{}, txlog.NewBadRemoteState("pulled transaction has the empty id")
	}

	table := remap.NewTable(tx.UUID, alloc)
	var (
		instant int64
		found   int
	)
	for i, p := range tx.Parts {
		if err := p.Validate(); err != nil {
			return store.ApplyRequest{}, txlog.NewBadRemoteState("transaction %s part %d: %v", tx.UUID, i, err)
		}
		if !p.IsMetadata() {
			continue
		}
		found++
		if found > 1 {
			return store.ApplyRequest{}, txlog.NewDuplicateMetadata("transaction %s has more than one %s", tx.UUID, ir.AttrTxInstant)
		}
		if !p.E.IsTemp() {
			if err := table.Bind(ir.TxTempID, p.E.ID); err != nil {
				return store.ApplyRequest{}, err
			}
		} else if p.E.TempID != ir.TxTempID {
			return store.ApplyRequest{}, txlog.NewBadRemoteState("transaction %s: %s asserted on %s", tx.UUID, ir.AttrTxInstant, p.E)
		}
		v, ok := p.V.(ir.Int)
		if !ok || !p.Added {
			return store.ApplyRequest{}, txlog.NewBadRemoteState("transaction %s: %s must assert an integer", tx.UUID, ir.AttrTxInstant)
		}
		instant = int64(v)
	}
	if found == 0 {
		return store.ApplyRequest{}, txlog.NewBadRemoteState("transaction %s has no %s", tx.UUID, ir.AttrTxInstant)
	}

	datoms := make([]ir.Datom, 0, len(tx.Parts))
	for _, p := range tx.Parts {
		d, err := table.ResolvePart(p)
		if err != nil {
			return store.ApplyRequest{}, err
		}
		datoms = append(datoms, d)
	}
	return store.ApplyRequest{TxID: tx.UUID, Instant: instant, Datoms: datoms}, nil
}

// applyOne commits one pulled transaction and advances the local head.
func (s *Synchronizer) applyOne(ctx context.Context, tx ir.Tx, rep *Report) error {
	present, err := s.local.HasTransaction(ctx, tx.UUID)
	if err != nil {
		return localErr("check transaction", err)
	}
	if present {
		// Our own push seen again, or a replayed pull.
		if err := s.local.ConfirmPushed(ctx, tx.UUID); err != nil {
			return localErr("confirm pushed", err)
		}
		rep.Skipped++
		s.logger.Debug("skip known transaction", "tx", tx.UUID)
		return s.advance(ctx, tx, rep)
	}

	req, err := Resolve(tx, s.alloc)
	if err != nil {
		return err
	}
	report, err := s.local.Apply(ctx, req)
	if err != nil {
		return localErr("apply "+tx.UUID.String(), err)
	}
	if report.TxID != tx.UUID {
		return txlog.NewTxProcessorUnfinished("apply of %s reported transaction %s", tx.UUID, report.TxID)
	}
	if report.Existing {
		rep.Skipped++
	} else {
		if report.Datoms != len(req.Datoms) {
			return txlog.NewTxProcessorUnfinished("apply of %s committed %d of %d datoms", tx.UUID, report.Datoms, len(req.Datoms))
		}
		rep.Applied++
	}
	s.logger.Debug("applied transaction", "tx", tx.UUID, "datoms", report.Datoms, "seq", report.Seq)
	return s.advance(ctx, tx, rep)
}

func (s *Synchronizer) advance(ctx context.Context, tx ir.Tx, rep *Report) error {
	if err := s.local.AdvanceLocalHead(ctx, tx.UUID); err != nil {
		return localErr("advance local head", err)
	}
	rep.LocalHead = tx.UUID
	return nil
}
