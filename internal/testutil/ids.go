package testutil

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SequentialAllocator hands out readable, predictable identifiers of the
// form TTTTTTTT-0000-4000-8000-NNNNNNNNNNNN, where T is the allocator's tag
// and N counts up from 1.
//
// Unlike remap.FixedAllocator it never runs out, which suits scenarios
// whose allocation count is not known up front. Distinct tags never
// collide, so one tag per role (entities, pushed transactions) keeps
// golden traces easy to read.
//
// Implements remap.Allocator.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequentialAllocator struct {
	mu  sync.Mutex
	tag uint32
	n   uint64
}

// NewSequentialAllocator creates an allocator for tag.
func NewSequentialAllocator(tag uint32) *SequentialAllocator {
	return &SequentialAllocator{tag: tag}
}

// AllocateStableID returns the next identifier.
func (a *SequentialAllocator) AllocateStableID() uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return SequentialID(a.tag, a.n)
}

// Used returns how many identifiers have been handed out.
func (a *SequentialAllocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.n)
}

// Reset restarts the count. The next identifier is number 1 again.
func (a *SequentialAllocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n = 0
}

// SequentialID returns the nth identifier for tag without allocating it.
func SequentialID(tag uint32, n uint64) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("%08x-0000-4000-8000-%012x", tag, n&0xffffffffffff))
}
