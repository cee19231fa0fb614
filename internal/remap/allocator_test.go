package remap

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestUUIDv7Allocator(t *testing.T) {
	var alloc UUIDv7Allocator
	a := alloc.AllocateStableID()
	b := alloc.AllocateStableID()
	assert.Equal(t, uuid.Version(7), a.Version())
	assert.NotEqual(t, a, b)
}

func TestFixedAllocatorOrderAndExhaustion(t *testing.T) {
	alloc := NewFixedAllocator(id1, id2)
	assert.Equal(t, id1, alloc.AllocateStableID())
	assert.Equal(t, id2, alloc.AllocateStableID())
	assert.Panics(t, func() { alloc.AllocateStableID() })
}

func TestFixedAllocatorThreadSafe(t *testing.T) {
	ids := make([]uuid.UUID, 100)
	for i := range ids {
		ids[i] = uuid.New()
	}
	alloc := NewFixedAllocator(ids...)

	var wg sync.WaitGroup
	seen := make(chan uuid.UUID, len(ids))
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				seen <- alloc.AllocateStableID()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uuid.UUID]bool)
	for id := range seen {
		unique[id] = true
	}
	assert.Len(t, unique, len(ids))
	assert.Equal(t, len(ids), alloc.Used())
}
