package remap

import (
	"sync"

	"github.com/google/uuid"
)

// Allocator hands out new stable identifiers for temporary ids seen for
// the first time.
type Allocator interface {
	AllocateStableID() uuid.UUID
}

// UUIDv7Allocator allocates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a timestamp in the most significant bits, so entity ids
// sort by creation time, which keeps SQLite index inserts append-mostly.
//
// Thread-safety: UUIDv7Allocator is stateless and safe for concurrent use.
type UUIDv7Allocator struct{}

// AllocateStableID creates a new UUIDv7.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Allocator) AllocateStableID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// FixedAllocator returns predetermined identifiers for testing.
//
// Thread-safety: FixedAllocator is safe for concurrent use via internal mutex.
type FixedAllocator struct {
	mu  sync.Mutex
	ids []uuid.UUID
	idx int
}

// NewFixedAllocator creates an allocator that returns ids in order.
//
// Example:
//
//	alloc := NewFixedAllocator(a, b)
//	alloc.AllocateStableID() // a
//	alloc.AllocateStableID() // b
//	alloc.AllocateStableID() // panic: all ids exhausted
func NewFixedAllocator(ids ...uuid.UUID) *FixedAllocator {
	return &FixedAllocator{ids: ids}
}

// AllocateStableID returns the next predetermined id.
//
// Panics if all ids have been consumed. A test that allocates more ids
// than it declared is misconfigured.
func (a *FixedAllocator) AllocateStableID() uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.idx >= len(a.ids) {
		panic("FixedAllocator: all ids exhausted")
	}
	id := a.ids[a.idx]
	a.idx++
	return id
}

// Used returns how many ids have been handed out.
func (a *FixedAllocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idx
}
