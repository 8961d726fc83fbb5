package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracedgc/tracedgc/internal/page"
)

func TestObjectPoolRefillGrowsAndServesUniqueAddresses(t *testing.T) {
	blocks := page.NewBlockAllocator()
	pool := NewObjectPool(nil, 32, blocks)

	addrs, err := pool.Refill(10)
	require.NoError(t, err)
	require.Len(t, addrs, 10)

	seen := make(map[uintptr]bool, len(addrs))
	for _, a := range addrs {
		assert.False(t, seen[a], "Refill must never hand out the same address twice")
		seen[a] = true
	}
	assert.Len(t, pool.Pages(), 1)
}

func TestObjectPoolReturnRecyclesAddresses(t *testing.T) {
	blocks := page.NewBlockAllocator()
	pool := NewObjectPool(nil, 32, blocks)

	addrs, err := pool.Refill(4)
	require.NoError(t, err)
	pool.Return(addrs)

	again, err := pool.Refill(4)
	require.NoError(t, err)
	assert.ElementsMatch(t, addrs, again)
}

func TestObjectPoolReclaimPageReturnsMemoryToBlockAllocator(t *testing.T) {
	blocks := page.NewBlockAllocator()
	pool := NewObjectPool(nil, 32, blocks)

	addrs, err := pool.Refill(1)
	require.NoError(t, err)
	require.Len(t, pool.Pages(), 1)

	pg := pool.Pages()[0]
	pool.Return(addrs)
	require.NoError(t, pool.Reclaim(pg))
	assert.Empty(t, pool.Pages())
}
