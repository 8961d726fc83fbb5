package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockAllocatorServesPageCountPagesBeforeNewBlock(t *testing.T) {
	a := NewBlockAllocator()

	first, err := a.Alloc()
	require.NoError(t, err)
	assert.Zero(t, first.Base&(Size-1), "page base must be Size-aligned")

	seen := map[uintptr]bool{first.Base: true}
	for i := 1; i < PageCount; i++ {
		rp, err := a.Alloc()
		require.NoError(t, err)
		assert.False(t, seen[rp.Base], "page bases within a block must be distinct")
		seen[rp.Base] = true
		assert.Same(t, first.owner, rp.owner, "the first PageCount allocations share one block")
	}
}

func TestBlockAllocatorFreeReturnsBlockToOSOnceFullyIdle(t *testing.T) {
	a := NewBlockAllocator()

	var pages []RawPage
	for i := 0; i < PageCount; i++ {
		rp, err := a.Alloc()
		require.NoError(t, err)
		pages = append(pages, rp)
	}

	a.Free(pages)
	assert.Empty(t, a.empty, "a fully-idle block's pages must be dropped, not kept on the empty stack")

	// Allocating again must mint a fresh block rather than panic on
	// stale bookkeeping.
	rp, err := a.Alloc()
	require.NoError(t, err)
	assert.Zero(t, rp.Base&(Size-1))
}
