package roots

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tracedgc/tracedgc/internal/cell"
)

func TestClassifyKindWithinWindowIsStack(t *testing.T) {
	probe := uintptr(0x1000)
	assert.Equal(t, cell.KindStack, ClassifyKindWithOffset(probe+500, probe, 1024))
	assert.Equal(t, cell.KindStack, ClassifyKindWithOffset(probe-500, probe, 1024))
	assert.Equal(t, cell.KindExternalHeap, ClassifyKindWithOffset(probe+2000, probe, 1024))
}

func TestClassifyKindDefaultMatchesSpecWindow(t *testing.T) {
	probe := uintptr(1 << 20)
	assert.Equal(t, cell.KindStack, ClassifyKind(probe+DefaultMaxStackOffset, probe))
	assert.Equal(t, cell.KindExternalHeap, ClassifyKind(probe+DefaultMaxStackOffset+1, probe))
}

func TestStackTableRegisterEachUnregister(t *testing.T) {
	table := NewStackTable()

	var c1, c2 cell.Cell
	c1.Store(0xAAAA)
	c2.Store(0xBBBB)

	h1 := table.Register(&c1)
	h2 := table.Register(&c2)

	var seen []uintptr
	table.Each(func(addr uintptr) { seen = append(seen, addr) })
	assert.ElementsMatch(t, []uintptr{0xAAAA, 0xBBBB}, seen)

	table.Unregister(h1)
	seen = nil
	table.Each(func(addr uintptr) { seen = append(seen, addr) })
	assert.Equal(t, []uintptr{0xBBBB}, seen)

	table.Unregister(h2)
	seen = nil
	table.Each(func(addr uintptr) { seen = append(seen, addr) })
	assert.Empty(t, seen)
}

func TestStackTableEachSkipsNullCells(t *testing.T) {
	table := NewStackTable()
	var c cell.Cell // never Store'd, so Load() == 0

	table.Register(&c)
	var seen []uintptr
	table.Each(func(addr uintptr) { seen = append(seen, addr) })
	assert.Empty(t, seen)
}
