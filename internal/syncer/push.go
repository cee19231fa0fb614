package syncer

import (
	"context"

	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/store"
	"github.com/roach88/factsync/internal/txlog"
)

// push uploads pending local transactions in order. The first one is
// parented on the remote head, which must equal the local head.
func (s *Synchronizer) push(ctx context.Context, pending []store.LocalTx, rep *Report) error {
	if len(pending) == 0 {
		return nil
	}

	remoteHead, err := s.remote.Head(ctx)
	if err != nil {
		return err
	}
	rep.RemoteHead = remoteHead
	if remoteHead != rep.LocalHead {
		return txlog.NewBadRemoteState("remote head %s does not match local head %s; pull before pushing", remoteHead, rep.LocalHead)
	}

	parent := remoteHead
	for _, ltx := range pending {
		id, err := s.pushOne(ctx, ltx, parent, rep)
		if err != nil {
			return err
		}
		parent = id
	}

	if err := s.local.SetRemoteHead(ctx, parent); err != nil {
		return localErr("record remote head", err)
	}
	return nil
}

// pushOne pushes a single local transaction: chunks, header, remote head,
// then the local bookkeeping. Every step is safe to repeat after a crash.
func (s *Synchronizer) pushOne(ctx context.Context, ltx store.LocalTx, parent uuid.UUID, rep *Report) (uuid.UUID, error) {
	id := ltx.UUID
	if id == uuid.Nil {
		var err error
		if id, err = s.allocateTxID(ltx.Seq); err != nil {
			return uuid.Nil, err
		}
		if err := s.local.AssignTxUUID(ctx, ltx.Seq, id); err != nil {
			return uuid.Nil, localErr("assign transaction id", err)
		}
	}

	chunks, err := ir.Chunks(ltx.Parts)
	if err != nil {
		return uuid.Nil, txlog.NewSerializationError("address local transaction "+id.String(), err)
	}
	ids := make([]uuid.UUID, 0, len(chunks))
	uploaded := make(map[uuid.UUID]bool, len(chunks))
	for _, c := range chunks {
		ids = append(ids, c.ID)
		if uploaded[c.ID] {
			continue
		}
		if err := s.remote.PutChunk(ctx, c.ID, c.Part); err != nil {
			return uuid.Nil, err
		}
		uploaded[c.ID] = true
		rep.ChunksUploaded++
	}

	err = s.remote.PutTransaction(ctx, id, parent, ids)
	if txlog.IsKind(err, txlog.KindDuplicateMetadata) && ltx.UUID != uuid.Nil {
		// An earlier pass stored this header on an older parent and never
		// moved the head past it. That header is off the chain for good.
		id, err = s.rekey(ctx, ltx, parent, ids)
	}
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.remote.SetHead(ctx, id); err != nil {
		return uuid.Nil, err
	}
	rep.RemoteHead = id

	if err := s.local.MarkPushed(ctx, ltx.Seq); err != nil {
		return uuid.Nil, localErr("mark pushed", err)
	}
	if err := s.local.AdvanceLocalHead(ctx, id); err != nil {
		return uuid.Nil, localErr("advance local head", err)
	}
	rep.LocalHead = id
	rep.Pushed++
	s.logger.Debug("pushed transaction", "tx", id, "parent", parent, "chunks", len(ids), "distinct", len(uploaded))
	return id, nil
}

func (s *Synchronizer) allocateTxID(seq int64) (uuid.UUID, error) {
	id := s.txIDs.AllocateStableID()
	if id == uuid.Nil {
		return uuid.Nil, txlog.NewUnexpectedState("allocated the empty id for local transaction %d", seq)
	}
	return id, nil
}

// rekey gives an unpushed transaction a fresh UUID and puts its header
// again under that UUID.
func (s *Synchronizer) rekey(ctx context.Context, ltx store.LocalTx, parent uuid.UUID, chunks []uuid.UUID) (uuid.UUID, error) {
	id, err := s.allocateTxID(ltx.Seq)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.local.ReassignTxUUID(ctx, ltx.Seq, id); err != nil {
		return uuid.Nil, localErr("reassign transaction id", err)
	}
	s.logger.Info("stale transaction header, pushing under a new id",
		"seq", ltx.Seq, "old", ltx.UUID, "tx", id, "parent", parent)
	if err := s.remote.PutTransaction(ctx, id, parent, chunks); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
