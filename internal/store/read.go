package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
)

// CurrentLocalHead returns the UUID of the last transaction known to be
// on the remote chain, or ir.EmptyHead before the first sync.
func (s *Store) CurrentLocalHead(ctx context.Context) (uuid.UUID, error) {
	return s.getHead(ctx, metaLocalHead)
}

// RemoteHead returns the last remote head observed by a sync pass.
func (s *Store) RemoteHead(ctx context.Context) (uuid.UUID, error) {
	return s.getHead(ctx, metaRemoteHead)
}

func (s *Store) getHead(ctx context.Context, key string) (uuid.UUID, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.EmptyHead, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("get %s: %w", key, err)
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("get %s: %w", key, err)
	}
	return id, nil
}

// HasTransaction reports whether a transaction with this UUID is stored.
func (s *Store) HasTransaction(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE uuid = ?
	`, id.String()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check transaction: %w", err)
	}
	return count > 0, nil
}

// LocalTransactionsSince returns the local transactions not yet pushed, in
// commit order (newest last). since is the head the caller last agreed on
// with the remote; it must be the empty head or a stored transaction.
//
// Returns an empty slice (not nil) when nothing is pending.
func (s *Store) LocalTransactionsSince(ctx context.Context, since uuid.UUID) ([]LocalTx, error) {
	if since != ir.EmptyHead {
		ok, err := s.HasTransaction(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("local transactions: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("local transactions: unknown transaction %s", since)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, uuid, instant
		FROM transactions
		WHERE origin = 'local' AND pushed = 0
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query local transactions: %w", err)
	}

	txs := []LocalTx{}
	for rows.Next() {
		var (
			tx  LocalTx
			raw sql.NullString
		)
		if err := rows.Scan(&tx.Seq, &raw, &tx.Instant); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan local transaction: %w", err)
		}
		if tx.UUID, err = parseNullUUID(raw); err != nil {
			rows.Close()
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate local transactions: %w", err)
	}
	rows.Close()

	// SetMaxOpenConns(1): rows must be closed before the part queries run.
	for i := range txs {
		parts, err := s.readParts(ctx, txs[i].Seq)
		if err != nil {
			return nil, err
		}
		txs[i].Parts = parts
	}
	return txs, nil
}

func (s *Store) readRows(ctx context.Context, seq int64) ([]datomRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e, e_is_tx, a, v, ref, ref_is_tx, added
		FROM datoms
		WHERE tx_seq = ?
		ORDER BY idx ASC
	`, seq)
	if err != nil {
		return nil, fmt.Errorf("query datoms: %w", err)
	}
	defer rows.Close()

	var out []datomRow
	for rows.Next() {
		var r datomRow
		if err := rows.Scan(&r.e, &r.eIsTx, &r.a, &r.v, &r.ref, &r.refIsTx, &r.added); err != nil {
			return nil, fmt.Errorf("scan datom: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate datoms: %w", err)
	}
	return out, nil
}

func (s *Store) readParts(ctx context.Context, seq int64) ([]ir.TxPart, error) {
	rows, err := s.readRows(ctx, seq)
	if err != nil {
		return nil, err
	}
	parts := make([]ir.TxPart, 0, len(rows))
	for _, r := range rows {
		p, err := r.part()
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", seq, err)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// Transactions lists every stored transaction in commit order.
func (s *Store) Transactions(ctx context.Context) ([]TxInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.seq, t.uuid, t.instant, t.origin, t.pushed, COUNT(d.idx)
		FROM transactions t
		LEFT JOIN datoms d ON d.tx_seq = t.seq
		GROUP BY t.seq
		ORDER BY t.seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	infos := []TxInfo{}
	for rows.Next() {
		var (
			info TxInfo
			raw  sql.NullString
		)
		if err := rows.Scan(&info.Seq, &raw, &info.Instant, &info.Origin, &info.Pushed, &info.Datoms); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if info.UUID, err = parseNullUUID(raw); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return infos, nil
}

// Datoms returns every stored fact in commit order, with "tx" references
// replaced by the owning transaction's UUID (uuid.Nil until assigned).
func (s *Store) Datoms(ctx context.Context) ([]ir.Datom, error) {
	infos, err := s.Transactions(ctx)
	if err != nil {
		return nil, err
	}

	datoms := []ir.Datom{}
	for _, info := range infos {
		rows, err := s.readRows(ctx, info.Seq)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			d, err := r.datom(info.UUID)
			if err != nil {
				return nil, fmt.Errorf("transaction %d: %w", info.Seq, err)
			}
			datoms = append(datoms, d)
		}
	}
	return datoms, nil
}

// EntityDatoms returns the facts about one entity, in commit order.
func (s *Store) EntityDatoms(ctx context.Context, e uuid.UUID) ([]ir.Datom, error) {
	all, err := s.Datoms(ctx)
	if err != nil {
		return nil, err
	}
	var out []ir.Datom
	for _, d := range all {
		if d.E == e {
			out = append(out, d)
		}
	}
	return out, nil
}

// PendingCount returns the number of local transactions not yet pushed.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE origin = 'local' AND pushed = 0
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}
