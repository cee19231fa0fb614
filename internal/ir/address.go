package ir

import (
	"fmt"

	"github.com/google/uuid"
)

// ChunkNamespace is the UUIDv5 namespace for chunk addresses.
// Changing it changes every chunk address, so it is versioned by value.
var ChunkNamespace = uuid.MustParse("8a1f5c2e-3b7d-4e9a-b6c0-d4e2f1a3b5c7")

// ChunkID computes the content address of a part: UUIDv5 over its canonical
// JSON. Identical parts always map to the same chunk UUID and the same
// payload bytes, which is what makes repeated chunk writes side-effect free.
func ChunkID(p TxPart) (uuid.UUID, error) {
	canonical, err := p.Canonical()
	if err != nil {
		return uuid.Nil, fmt.Errorf("chunk id: %w", err)
	}
	return uuid.NewSHA1(ChunkNamespace, canonical), nil
}

// MustChunkID is like ChunkID but panics on error.
// Use only in tests or when the part is known to be valid.
func MustChunkID(p TxPart) uuid.UUID {
	id, err := ChunkID(p)
	if err != nil {
		panic(err)
	}
	return id
}

// Chunk pairs a part with its address and canonical payload.
type Chunk struct {
	ID      uuid.UUID
	Payload []byte
	Part    TxPart
}

// Chunks addresses every part of a transaction, in order. The returned
// slice has one entry per part; repeated parts repeat the same address.
func Chunks(parts []TxPart) ([]Chunk, error) {
	out := make([]Chunk, 0, len(parts))
	for i, p := range parts {
		payload, err := p.Canonical()
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		out = append(out, Chunk{
			ID:      uuid.NewSHA1(ChunkNamespace, payload),
			Payload: payload,
			Part:    p,
		})
	}
	return out, nil
}
