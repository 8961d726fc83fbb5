package roots

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tracedgc/tracedgc/internal/cell"
)

func cellsOf(addrs ...uintptr) []*cell.Cell {
	out := make([]*cell.Cell, len(addrs))
	for i, a := range addrs {
		c := &cell.Cell{}
		c.Store(a)
		out[i] = c
	}
	return out
}

func TestHeapRootsRegisterAndEach(t *testing.T) {
	global := NewGlobalHeapPools()
	h := NewHeapRoots(global, 2)

	for _, c := range cellsOf(0x10, 0x20) {
		h.Register(c)
	}

	var seen []uintptr
	h.Each(func(addr uintptr) { seen = append(seen, addr) })
	assert.ElementsMatch(t, []uintptr{0x10, 0x20}, seen)
}

func TestHeapRootsRotatesFullSubpoolToReserve(t *testing.T) {
	global := NewGlobalHeapPools()
	h := NewHeapRoots(global, 1) // capacity 1 forces a rotation on the 2nd register

	cells := cellsOf(0x10, 0x20, 0x30)
	for _, c := range cells {
		h.Register(c)
	}

	var fromRecord, fromReserve []uintptr
	h.Each(func(addr uintptr) { fromRecord = append(fromRecord, addr) })
	global.EachReserve(func(addr uintptr) { fromReserve = append(fromReserve, addr) })

	all := append(fromRecord, fromReserve...)
	assert.ElementsMatch(t, []uintptr{0x10, 0x20, 0x30}, all)
	assert.NotEmpty(t, fromReserve, "filling capacity-1 subpools three times must rotate at least one to reserve")
}

func TestHeapRootsReleaseReturnsSubpoolsToFreeList(t *testing.T) {
	global := NewGlobalHeapPools()
	h := NewHeapRoots(global, 4)
	for _, c := range cellsOf(0x10) {
		h.Register(c)
	}

	h.Release()

	// Both subpools land on the free list, emptied.
	assert.Len(t, global.free, 2)
	for _, p := range global.free {
		assert.Empty(t, p.items)
	}

	// A fresh HeapRoots builds its own subpools and starts empty.
	h2 := NewHeapRoots(global, 4)
	var seen []uintptr
	h2.Each(func(addr uintptr) { seen = append(seen, addr) })
	assert.Empty(t, seen, "a subpool drawn from the free list must have been cleared by Release")
}
