package typeinfo

import (
	"reflect"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracedgc/tracedgc/internal/cell"
)

type leaf struct {
	a cell.Cell
	n int
}

type withNested struct {
	x      int
	Nested leaf
	b      cell.Cell
}

type withPointerField struct {
	p *leaf
	a cell.Cell
}

func TestOffsetsFindsDirectAndNestedCells(t *testing.T) {
	info := &Info{RType: reflect.TypeOf(withNested{})}
	offsets := info.Offsets()

	var sample withNested
	base := uintptr(unsafe.Pointer(&sample))
	wantA := uintptr(unsafe.Pointer(&sample.Nested.a)) - base
	wantB := uintptr(unsafe.Pointer(&sample.b)) - base

	assert.ElementsMatch(t, []uintptr{wantA, wantB}, offsets)
}

func TestOffsetsNeverRecursesThroughPointers(t *testing.T) {
	info := &Info{RType: reflect.TypeOf(withPointerField{})}
	offsets := info.Offsets()

	var sample withPointerField
	base := uintptr(unsafe.Pointer(&sample))
	wantA := uintptr(unsafe.Pointer(&sample.a)) - base

	assert.Equal(t, []uintptr{wantA}, offsets)
}

func TestOffsetsIsPublishedOnce(t *testing.T) {
	info := &Info{RType: reflect.TypeOf(leaf{})}
	first := info.Offsets()
	second := info.Offsets()
	assert.Equal(t, first, second)
}

func TestRegistryGetOrCreateIsIdempotentPerType(t *testing.T) {
	reg := NewRegistry()

	info1, err := reg.GetOrCreate(reflect.TypeOf(leaf{}), 16, nil)
	require.NoError(t, err)
	info2, err := reg.GetOrCreate(reflect.TypeOf(leaf{}), 16, nil)
	require.NoError(t, err)

	assert.Same(t, info1, info2)

	other, err := reg.GetOrCreate(reflect.TypeOf(withNested{}), 32, nil)
	require.NoError(t, err)
	assert.NotEqual(t, info1.TypeIndex, other.TypeIndex)
}

func TestRegistryRejectsTooManyTypes(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < MaxTypeNumber; i++ {
		// Each iteration needs a distinct reflect.Type; array length
		// is the cheapest way to mint MaxTypeNumber distinct types
		// without declaring that many named structs.
		rt := reflect.ArrayOf(i+1, reflect.TypeOf(byte(0)))
		_, err := reg.GetOrCreate(rt, uint32(i+1), nil)
		require.NoError(t, err)
	}

	rt := reflect.ArrayOf(MaxTypeNumber+1, reflect.TypeOf(byte(0)))
	_, err := reg.GetOrCreate(rt, uint32(MaxTypeNumber+1), nil)
	assert.ErrorIs(t, err, ErrTooManyTypes{})
}
