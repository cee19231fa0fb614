package txlog

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
)

// MemoryLog is an in-process Log. It enforces the same invariants as the
// durable backends and is safe for concurrent use.
type MemoryLog struct {
	mu      sync.Mutex
	head    uuid.UUID
	seq     int64
	headers map[uuid.UUID]ir.TxHeader
	chunks  map[uuid.UUID][]byte

	// Calls counts chunk and header writes, for tests asserting dedup.
	Calls struct {
		PutChunk       int
		PutTransaction int
		SetHead        int
	}
}

// NewMemoryLog returns an empty log whose head is ir.EmptyHead.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		head:    ir.EmptyHead,
		headers: make(map[uuid.UUID]ir.TxHeader),
		chunks:  make(map[uuid.UUID][]byte),
	}
}

var _ Log = (*MemoryLog)(nil)
var _ Reader = (*MemoryLog)(nil)

// Head implements Log.
func (m *MemoryLog) Head(ctx context.Context) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head, nil
}

// SetHead implements Log.
func (m *MemoryLog) SetHead(ctx context.Context, head uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls.SetHead++
	m.head = head
	return nil
}

// TransactionsAfter implements Log.
func (m *MemoryLog) TransactionsAfter(ctx context.Context, from uuid.UUID) ([]ir.Tx, error) {
	m.mu.Lock()
	headers, err := WalkChain(m.head, from, func(id uuid.UUID) (ir.TxHeader, bool, error) {
		h, ok := m.headers[id]
		return h, ok, nil
	})
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return Hydrate(ctx, headers, m.Chunk)
}

// PutTransaction implements Log.
func (m *MemoryLog) PutTransaction(ctx context.Context, tx, parent uuid.UUID, chunks []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls.PutTransaction++

	h := ir.TxHeader{ID: tx, Parent: parent, Chunks: slices.Clone(chunks)}
	if h.Chunks == nil {
		h.Chunks = []uuid.UUID{}
	}
	if existing, ok := m.headers[tx]; ok {
		if existing.SameContent(h) {
			return nil
		}
		return NewDuplicateMetadata("transaction %s already recorded with different content", tx)
	}
	if err := m.checkRefs(h); err != nil {
		return err
	}

	m.seq++
	h.Seq = m.seq
	m.headers[tx] = h
	return nil
}

func (m *MemoryLog) checkRefs(h ir.TxHeader) error {
	if h.ID == ir.EmptyHead {
		return NewBadRemoteState("transaction id must not be the empty head")
	}
	if h.Parent != ir.EmptyHead {
		if _, ok := m.headers[h.Parent]; !ok {
			return NewBadRemoteState("transaction %s references unknown parent %s", h.ID, h.Parent)
		}
	}
	for _, c := range h.Chunks {
		if _, ok := m.chunks[c]; !ok {
			return NewBadRemoteState("transaction %s references unknown chunk %s", h.ID, c)
		}
	}
	return nil
}

// PutChunk implements Log.
func (m *MemoryLog) PutChunk(ctx context.Context, chunk uuid.UUID, part ir.TxPart) error {
	payload, err := part.Canonical()
	if err != nil {
		return NewSerializationError("encode chunk "+chunk.String(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls.PutChunk++

	if existing, ok := m.chunks[chunk]; ok {
		if bytes.Equal(existing, payload) {
			return nil
		}
		return NewDuplicateMetadata("chunk %s already stored with different payload", chunk)
	}
	m.chunks[chunk] = payload
	return nil
}

// Header implements Reader.
func (m *MemoryLog) Header(ctx context.Context, tx uuid.UUID) (ir.TxHeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.headers[tx]
	if !ok {
		return ir.TxHeader{}, NewBadRemoteState("unknown transaction %s", tx)
	}
	h.Chunks = slices.Clone(h.Chunks)
	return h, nil
}

// Chunk implements Reader.
func (m *MemoryLog) Chunk(ctx context.Context, chunk uuid.UUID) (ir.TxPart, error) {
	m.mu.Lock()
	payload, ok := m.chunks[chunk]
	m.mu.Unlock()
	if !ok {
		return ir.TxPart{}, NewBadRemoteState("unknown chunk %s", chunk)
	}
	var p ir.TxPart
	if err := json.Unmarshal(payload, &p); err != nil {
		return ir.TxPart{}, NewSerializationError("decode chunk "+chunk.String(), err)
	}
	return p, nil
}
