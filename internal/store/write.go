package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/remap"
	"github.com/roach88/factsync/internal/txlog"
)

const (
	metaLocalHead  = "local_head"
	metaRemoteHead = "remote_head"
)

// Transact commits a local transaction. Temporary ids other than "tx" are
// resolved to newly allocated stable ids through a table scoped to this
// call. A :db/txInstant part is added unless exactly one is supplied.
//
// The transaction has no UUID and is not pushed; the synchronizer assigns
// both.
func (s *Store) Transact(ctx context.Context, parts []ir.TxPart) (LocalTx, error) {
	if len(parts) == 0 {
		return LocalTx{}, errors.New("transact: empty transaction")
	}

	instant, parts, err := s.withInstant(parts)
	if err != nil {
		return LocalTx{}, fmt.Errorf("transact: %w", err)
	}

	table := remap.NewTable(uuid.Nil, s.alloc)
	resolved := make([]ir.TxPart, len(parts))
	for i, p := range parts {
		if err := p.Validate(); err != nil {
			return LocalTx{}, fmt.Errorf("transact: %w", err)
		}
		r, err := stabilizeLocal(table, p)
		if err != nil {
			return LocalTx{}, fmt.Errorf("transact: %w", err)
		}
		resolved[i] = r
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LocalTx{}, fmt.Errorf("transact: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (uuid, instant, origin, pushed)
		VALUES (NULL, ?, ?, 0)
	`, instant, OriginLocal)
	if err != nil {
		return LocalTx{}, fmt.Errorf("transact: insert transaction: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return LocalTx{}, fmt.Errorf("transact: last insert id: %w", err)
	}

	for i, p := range resolved {
		row, err := rowFromPart(p)
		if err != nil {
			return LocalTx{}, fmt.Errorf("transact: part %d: %w", i, err)
		}
		if err := insertDatom(ctx, tx, seq, i, row); err != nil {
			return LocalTx{}, fmt.Errorf("transact: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return LocalTx{}, fmt.Errorf("transact: commit: %w", err)
	}

	return LocalTx{Seq: seq, Instant: instant, Parts: resolved}, nil
}

// withInstant returns the transaction instant and the parts with exactly
// one metadata part.
func (s *Store) withInstant(parts []ir.TxPart) (int64, []ir.TxPart, error) {
	var meta []ir.TxPart
	for _, p := range parts {
		if p.IsMetadata() {
			meta = append(meta, p)
		}
	}

	switch len(meta) {
	case 0:
		instant := s.instant()
		out := make([]ir.TxPart, 0, len(parts)+1)
		out = append(out, ir.InstantPart(instant))
		return instant, append(out, parts...), nil
	case 1:
		m := meta[0]
		if m.E != ir.TxRef() {
			return 0, nil, fmt.Errorf("%s must be asserted on the transaction entity", ir.AttrTxInstant)
		}
		n, ok := m.V.(ir.Int)
		if !ok {
			return 0, nil, fmt.Errorf("%s must be an integer", ir.AttrTxInstant)
		}
		return int64(n), parts, nil
	default:
		return 0, nil, txlog.NewDuplicateMetadata("%d %s parts in one transaction", len(meta), ir.AttrTxInstant)
	}
}

// stabilizeLocal resolves every tempid except "tx".
func stabilizeLocal(table *remap.Table, p ir.TxPart) (ir.TxPart, error) {
	out := p
	if p.E.IsTemp() && p.E.TempID != ir.TxTempID {
		id, err := table.Resolve(p.E)
		if err != nil {
			return ir.TxPart{}, err
		}
		out.E = ir.Stable(id)
	}
	if p.Ref != nil && p.Ref.IsTemp() && p.Ref.TempID != ir.TxTempID {
		id, err := table.Resolve(*p.Ref)
		if err != nil {
			return ir.TxPart{}, err
		}
		ref := ir.Stable(id)
		out.Ref = &ref
	}
	return out, nil
}

func insertDatom(ctx context.Context, tx *sql.Tx, seq int64, idx int, row datomRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO datoms (tx_seq, idx, e, e_is_tx, a, v, ref, ref_is_tx, added)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		seq,
		idx,
		row.e,
		boolInt(row.eIsTx),
		row.a,
		row.v,
		row.ref,
		boolInt(row.refIsTx),
		boolInt(row.added),
	)
	if err != nil {
		return fmt.Errorf("insert datom %d: %w", idx, err)
	}
	return nil
}

// Apply commits one pulled transaction atomically. A transaction whose
// UUID is already stored is left untouched and reported as Existing.
func (s *Store) Apply(ctx context.Context, req ApplyRequest) (ApplyReport, error) {
	if req.TxID == uuid.Nil {
		return ApplyReport{}, errors.New("apply: transaction id is the empty head")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyReport{}, fmt.Errorf("apply: begin tx: %w", err)
	}
	defer tx.Rollback()

	// ON CONFLICT DO NOTHING keeps replays of the same pull side-effect free.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (uuid, instant, origin, pushed)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(uuid) DO NOTHING
	`, req.TxID.String(), req.Instant, OriginRemote)
	if err != nil {
		return ApplyReport{}, fmt.Errorf("apply: insert transaction: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return ApplyReport{}, fmt.Errorf("apply: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if err := tx.Commit(); err != nil {
			return ApplyReport{}, fmt.Errorf("apply: commit (existing): %w", err)
		}
		return ApplyReport{TxID: req.TxID, Existing: true}, nil
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return ApplyReport{}, fmt.Errorf("apply: last insert id: %w", err)
	}

	for i, d := range req.Datoms {
		row := datomRow{e: nullUUID(d.E), a: d.A, added: d.Added}
		if d.E == uuid.Nil {
			return ApplyReport{}, fmt.Errorf("apply: datom %d: nil entity", i)
		}
		if d.Ref != nil {
			row.ref = nullUUID(*d.Ref)
		}
		if row.v, err = marshalValue(d.V); err != nil {
			return ApplyReport{}, fmt.Errorf("apply: datom %d: %w", i, err)
		}
		if err := insertDatom(ctx, tx, seq, i, row); err != nil {
			return ApplyReport{}, fmt.Errorf("apply: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ApplyReport{}, fmt.Errorf("apply: commit: %w", err)
	}

	return ApplyReport{TxID: req.TxID, Seq: seq, Datoms: len(req.Datoms)}, nil
}

// AssignTxUUID gives a local transaction its UUID. Assigning the same UUID
// again is a no-op; assigning a different one fails.
func (s *Store) AssignTxUUID(ctx context.Context, seq int64, id uuid.UUID) error {
	if id == uuid.Nil {
		return errors.New("assign tx uuid: empty uuid")
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET uuid = ?
		WHERE seq = ? AND (uuid IS NULL OR uuid = ?)
	`, id.String(), seq, id.String())
	if err != nil {
		return fmt.Errorf("assign tx uuid: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("assign tx uuid: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("assign tx uuid: transaction %d not found or already has a different uuid", seq)
	}
	return nil
}

// ReassignTxUUID replaces the UUID of a local transaction that has not been
// pushed yet. It fails for remote transactions and for pushed ones.
func (s *Store) ReassignTxUUID(ctx context.Context, seq int64, id uuid.UUID) error {
	if id == uuid.Nil {
		return errors.New("reassign tx uuid: empty uuid")
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET uuid = ?
		WHERE seq = ? AND origin = 'local' AND pushed = 0
	`, id.String(), seq)
	if err != nil {
		return fmt.Errorf("reassign tx uuid: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reassign tx uuid: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("reassign tx uuid: transaction %d not found, remote, or already pushed", seq)
	}
	return nil
}

// MarkPushed records that a local transaction reached the remote.
func (s *Store) MarkPushed(ctx context.Context, seq int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET pushed = 1
		WHERE seq = ? AND uuid IS NOT NULL
	`, seq)
	if err != nil {
		return fmt.Errorf("mark pushed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark pushed: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark pushed: transaction %d not found or has no uuid", seq)
	}
	return nil
}

// ConfirmPushed marks the local transaction with this UUID as pushed. It
// is used when a pull returns a transaction this replica pushed but never
// recorded as pushed. Remote-origin and unknown UUIDs are a no-op.
func (s *Store) ConfirmPushed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET pushed = 1
		WHERE uuid = ? AND origin = 'local'
	`, id.String())
	if err != nil {
		return fmt.Errorf("confirm pushed: %w", err)
	}
	return nil
}

// AdvanceLocalHead moves the local head. The head must be the empty head
// or a transaction this store holds.
func (s *Store) AdvanceLocalHead(ctx context.Context, head uuid.UUID) error {
	if head != ir.EmptyHead {
		ok, err := s.HasTransaction(ctx, head)
		if err != nil {
			return fmt.Errorf("advance local head: %w", err)
		}
		if !ok {
			return fmt.Errorf("advance local head: unknown transaction %s", head)
		}
	}
	return s.setMeta(ctx, s.db, metaLocalHead, head.String())
}

// SetRemoteHead records the last remote head observed by a sync pass.
func (s *Store) SetRemoteHead(ctx context.Context, head uuid.UUID) error {
	return s.setMeta(ctx, s.db, metaRemoteHead, head.String())
}

func (s *Store) setMeta(ctx context.Context, ex execer, key, value string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
