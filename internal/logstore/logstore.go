// Package logstore is the durable transaction log behind the HTTP service.
//
// One SQLite database holds any number of namespaces (one per user). Each
// namespace is an independent log: its own chunks, headers, and head.
//
// Chunk payloads are canonical JSON compressed with snappy. Writes are
// idempotent for identical content and rejected for conflicting content.
// Listing walks parent links back from the head, so a header that was
// stored but never made head (a push that crashed before set_head) stays
// invisible until a later push links it in.
package logstore

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
	"github.com/roach88/factsync/internal/store"
	"github.com/roach88/factsync/internal/txlog"
)

//go:embed schema.sql
var schemaSQL string

// Store is a multi-namespace log database.
type Store struct {
	db *sql.DB
}

// Open creates or opens a log database at path.
func Open(path string) (*Store, error) {
	db, err := store.OpenSQLite(path, schemaSQL)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Namespace returns the log for one namespace. Namespaces exist
// implicitly; a never-written namespace is an empty log.
func (s *Store) Namespace(id uuid.UUID) *Namespace {
	return &Namespace{db: s.db, ns: id.String()}
}

// Namespace is one log inside a Store.
type Namespace struct {
	db *sql.DB
	ns string
}

var _ txlog.Log = (*Namespace)(nil)
var _ txlog.Reader = (*Namespace)(nil)

func storeErr(op string, err error) error {
	return txlog.NewStoreError(op, err)
}

// Head implements txlog.Log.
func (n *Namespace) Head(ctx context.Context) (uuid.UUID, error) {
	var raw string
	err := n.db.QueryRowContext(ctx, `SELECT head FROM heads WHERE namespace = ?`, n.ns).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.EmptyHead, nil
	}
	if err != nil {
		return uuid.Nil, storeErr("get head", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, txlog.NewBadRemoteState("stored head %q is not a uuid", raw)
	}
	return id, nil
}

// SetHead implements txlog.Log. The head is overwritten unconditionally,
// even with a UUID no header carries; listing then fails until it is
// corrected.
func (n *Namespace) SetHead(ctx context.Context, head uuid.UUID) error {
	_, err := n.db.ExecContext(ctx, `
		INSERT INTO heads (namespace, head) VALUES (?, ?)
		ON CONFLICT(namespace) DO UPDATE SET head = excluded.head
	`, n.ns, head.String())
	if err != nil {
		return storeErr("set head", err)
	}
	return nil
}

// PutChunk implements txlog.Log.
func (n *Namespace) PutChunk(ctx context.Context, chunk uuid.UUID, part ir.TxPart) error {
	payload, err := part.Canonical()
	if err != nil {
		return txlog.NewSerializationError("encode chunk "+chunk.String(), err)
	}
	return n.PutChunkPayload(ctx, chunk, payload)
}

// PutChunkPayload stores already-canonical chunk bytes.
func (n *Namespace) PutChunkPayload(ctx context.Context, chunk uuid.UUID, payload []byte) error {
	compressed := snappy.Encode(nil, payload)

	tx, err := n.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("put chunk: begin tx", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO chunks (namespace, uuid, payload) VALUES (?, ?, ?)
		ON CONFLICT(namespace, uuid) DO NOTHING
	`, n.ns, chunk.String(), compressed)
	if err != nil {
		return storeErr("put chunk", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return storeErr("put chunk: rows affected", err)
	}

	if inserted == 0 {
		existing, err := n.readChunk(ctx, tx, chunk)
		if err != nil {
			return err
		}
		if !bytes.Equal(existing, payload) {
			return txlog.NewDuplicateMetadata("chunk %s already stored with different payload", chunk)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("put chunk: commit", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (n *Namespace) readChunk(ctx context.Context, q queryRower, chunk uuid.UUID) ([]byte, error) {
	var compressed []byte
	err := q.QueryRowContext(ctx, `
		SELECT payload FROM chunks WHERE namespace = ? AND uuid = ?
	`, n.ns, chunk.String()).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, txlog.NewBadRemoteState("unknown chunk %s", chunk)
	}
	if err != nil {
		return nil, storeErr("get chunk", err)
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, txlog.NewBadRemoteState("chunk %s: corrupt payload: %v", chunk, err)
	}
	return payload, nil
}

// ChunkPayload returns the canonical bytes of a chunk.
func (n *Namespace) ChunkPayload(ctx context.Context, chunk uuid.UUID) ([]byte, error) {
	return n.readChunk(ctx, n.db, chunk)
}

// Chunk implements txlog.Reader.
func (n *Namespace) Chunk(ctx context.Context, chunk uuid.UUID) (ir.TxPart, error) {
	payload, err := n.ChunkPayload(ctx, chunk)
	if err != nil {
		return ir.TxPart{}, err
	}
	var p ir.TxPart
	if err := json.Unmarshal(payload, &p); err != nil {
		return ir.TxPart{}, txlog.NewSerializationError("decode chunk "+chunk.String(), err)
	}
	return p, nil
}

// PutTransaction implements txlog.Log. The parent must be the empty head or
// a stored header, and every chunk must be stored. An identical header is
// accepted again without renumbering.
func (n *Namespace) PutTransaction(ctx context.Context, txID, parent uuid.UUID, chunks []uuid.UUID) error {
	if txID == ir.EmptyHead {
		return txlog.NewBadRemoteState("transaction id must not be the empty head")
	}
	if chunks == nil {
		chunks = []uuid.UUID{}
	}
	h := ir.TxHeader{ID: txID, Parent: parent, Chunks: chunks}

	tx, err := n.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("put transaction: begin tx", err)
	}
	defer tx.Rollback()

	existing, ok, err := n.lookup(ctx, tx, txID)
	if err != nil {
		return err
	}
	if ok {
		if existing.SameContent(h) {
			return tx.Commit()
		}
		return txlog.NewDuplicateMetadata("transaction %s already recorded with different content", txID)
	}

	if parent != ir.EmptyHead {
		if _, ok, err := n.lookup(ctx, tx, parent); err != nil {
			return err
		} else if !ok {
			return txlog.NewBadRemoteState("transaction %s references unknown parent %s", txID, parent)
		}
	}
	for _, c := range chunks {
		var one int
		err := tx.QueryRowContext(ctx, `
			SELECT 1 FROM chunks WHERE namespace = ? AND uuid = ?
		`, n.ns, c.String()).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return txlog.NewBadRemoteState("transaction %s references unknown chunk %s", txID, c)
		}
		if err != nil {
			return storeErr("put transaction: check chunk", err)
		}
	}

	chunksJSON, err := json.Marshal(chunks)
	if err != nil {
		return txlog.NewSerializationError("encode chunk list", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (namespace, uuid, parent, chunks, seq)
		SELECT ?, ?, ?, ?, COALESCE(MAX(seq), 0) + 1
		FROM transactions WHERE namespace = ?
	`, n.ns, txID.String(), parent.String(), string(chunksJSON), n.ns)
	if err != nil {
		return storeErr("put transaction", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("put transaction: commit", err)
	}
	return nil
}

func (n *Namespace) lookup(ctx context.Context, q queryRower, id uuid.UUID) (ir.TxHeader, bool, error) {
	var (
		parent, chunksJSON string
		seq                int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT parent, chunks, seq FROM transactions WHERE namespace = ? AND uuid = ?
	`, n.ns, id.String()).Scan(&parent, &chunksJSON, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.TxHeader{}, false, nil
	}
	if err != nil {
		return ir.TxHeader{}, false, storeErr("get transaction", err)
	}

	h := ir.TxHeader{ID: id, Seq: seq}
	if h.Parent, err = uuid.Parse(parent); err != nil {
		return ir.TxHeader{}, false, txlog.NewBadRemoteState("transaction %s: bad parent %q", id, parent)
	}
	if err := json.Unmarshal([]byte(chunksJSON), &h.Chunks); err != nil {
		return ir.TxHeader{}, false, txlog.NewBadRemoteState("transaction %s: bad chunk list: %v", id, err)
	}
	return h, true, nil
}

// Header implements txlog.Reader.
func (n *Namespace) Header(ctx context.Context, txID uuid.UUID) (ir.TxHeader, error) {
	h, ok, err := n.lookup(ctx, n.db, txID)
	if err != nil {
		return ir.TxHeader{}, err
	}
	if !ok {
		return ir.TxHeader{}, txlog.NewBadRemoteState("unknown transaction %s", txID)
	}
	return h, nil
}

// ListAfter returns up to limit headers after from on the head's chain,
// in causal order. limit <= 0 means no limit.
func (n *Namespace) ListAfter(ctx context.Context, from uuid.UUID, limit int) ([]ir.TxHeader, error) {
	head, err := n.Head(ctx)
	if err != nil {
		return nil, err
	}
	chain, err := txlog.WalkChain(head, from, func(id uuid.UUID) (ir.TxHeader, bool, error) {
		return n.lookup(ctx, n.db, id)
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(chain) > limit {
		chain = chain[:limit]
	}
	return chain, nil
}

// TransactionsAfter implements txlog.Log.
func (n *Namespace) TransactionsAfter(ctx context.Context, from uuid.UUID) ([]ir.Tx, error) {
	headers, err := n.ListAfter(ctx, from, 0)
	if err != nil {
		return nil, err
	}
	return txlog.Hydrate(ctx, headers, n.Chunk)
}

// Stats summarizes a namespace.
type Stats struct {
	Head         uuid.UUID `json:"head"`
	Transactions int       `json:"transactions"`
	Chunks       int       `json:"chunks"`
}

// Stats counts the records stored in the namespace.
func (n *Namespace) Stats(ctx context.Context) (Stats, error) {
	head, err := n.Head(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Head: head}
	if err := n.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE namespace = ?`, n.ns).Scan(&st.Transactions); err != nil {
		return Stats{}, storeErr("count transactions", err)
	}
	if err := n.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE namespace = ?`, n.ns).Scan(&st.Chunks); err != nil {
		return Stats{}, storeErr("count chunks", err)
	}
	return st, nil
}

// String returns the namespace id.
func (n *Namespace) String() string {
	return fmt.Sprintf("namespace(%s)", n.ns)
}
