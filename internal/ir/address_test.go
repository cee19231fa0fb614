package ir

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkIDVectors(t *testing.T) {
	tests := []struct {
		name string
		part TxPart
		want string
	}{
		{
			name: "stable entity",
			part: TxPart{E: Stable(alice), A: ":person/name", V: String("Alice"), Added: true},
			want: "a40ecc1c-d08f-5002-b7d4-e12aaba399a4",
		},
		{
			name: "tx instant",
			part: InstantPart(1700000000000000),
			want: "b18acb32-cd9a-5107-8bd8-2f623da6343b",
		},
		{
			name: "tempid entity",
			part: TxPart{E: Temp("alice"), A: ":person/name", V: String("Alice"), Added: true},
			want: "ca90b0ab-c6c3-5d6d-8f9e-94ba7058e8a0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ChunkID(tt.part)
			require.NoError(t, err)
			assert.Equal(t, tt.want, id.String())
			assert.Equal(t, uuid.Version(5), id.Version())
		})
	}
}

func TestChunkIDDistinguishesAdded(t *testing.T) {
	add := TxPart{E: Stable(alice), A: ":person/name", V: String("Alice"), Added: true}
	retract := add
	retract.Added = false
	assert.NotEqual(t, MustChunkID(add), MustChunkID(retract))
}

func TestChunkIDRejectsInvalidValue(t *testing.T) {
	_, err := ChunkID(TxPart{E: Temp("a"), A: ":x/y", V: Null{}})
	require.Error(t, err)
	assert.Panics(t, func() { MustChunkID(TxPart{E: Temp("a"), A: ":x/y", V: Null{}}) })
}

func TestChunksKeepsOrderAndRepeats(t *testing.T) {
	p := TxPart{E: Stable(alice), A: ":person/name", V: String("Alice"), Added: true}
	chunks, err := Chunks([]TxPart{InstantPart(1700000000000000), p, p})
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, "b18acb32-cd9a-5107-8bd8-2f623da6343b", chunks[0].ID.String())
	assert.Equal(t, chunks[1].ID, chunks[2].ID)
	assert.Equal(t, chunks[1].Payload, chunks[2].Payload)
	assert.Equal(t, `{"a":":person/name","added":true,"e":"0191f3a0-0000-7000-8000-000000000001","v":"Alice"}`, string(chunks[1].Payload))
}
