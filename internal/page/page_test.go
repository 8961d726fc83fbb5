package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageIndexAndBaseAddressRoundTrip(t *testing.T) {
	blocks := NewBlockAllocator()
	rp, err := blocks.Alloc()
	require.NoError(t, err)

	const objectSize = 48
	pg := NewPage(rp, nil, objectSize)
	require.Equal(t, uint32(DataSize)/objectSize, pg.ObjectCount)

	for i := uint32(0); i < pg.ObjectCount; i++ {
		base := pg.Data() + uintptr(i)*uintptr(objectSize)
		require.Equal(t, uintptr(i), pg.IndexOf(base))
		require.Equal(t, uintptr(i), pg.IndexOf(base+objectSize/2))
		require.Equal(t, base, pg.BaseAddressOf(base+objectSize/2))
	}
}

func TestPageOfRecoversHeaderFromAnyInteriorPointer(t *testing.T) {
	blocks := NewBlockAllocator()
	rp, err := blocks.Alloc()
	require.NoError(t, err)

	pg := NewPage(rp, nil, 32)
	interior := pg.Data() + 17
	require.Same(t, pg, PageOf(interior))
	require.Equal(t, pg.BaseAddressOf(interior), BaseAddressOf(interior))
}

func TestPageStateDefaultsToUnused(t *testing.T) {
	blocks := NewBlockAllocator()
	rp, err := blocks.Alloc()
	require.NoError(t, err)

	pg := NewPage(rp, nil, 64)
	for i := uint32(0); i < pg.ObjectCount; i++ {
		require.Equal(t, StateUnused, pg.State(uintptr(i)).Load())
	}

	addr := pg.Data()
	SetState(addr, StateUsed)
	require.Equal(t, StateUsed, pg.State(0).Load())
}

func TestPageRawRoundTripsThroughBlockAllocator(t *testing.T) {
	blocks := NewBlockAllocator()
	rp, err := blocks.Alloc()
	require.NoError(t, err)

	pg := NewPage(rp, nil, 64)
	require.Equal(t, rp.Base, pg.Raw().Base)

	// Freeing and re-carving the same raw page must not panic or
	// corrupt the allocator's empty-pages bookkeeping.
	blocks.Free([]RawPage{pg.Raw()})
	rp2, err := blocks.Alloc()
	require.NoError(t, err)
	_ = NewPage(rp2, nil, 64)
}
