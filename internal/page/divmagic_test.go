package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexOfMatchesDivision(t *testing.T) {
	sizes := []uint32{8, 16, 24, 32, 48, 64, 96, 128, 256, 512}
	for _, size := range sizes {
		mult := Multiplier(size)
		count := uint32(DataSize) / size
		for i := uint32(0); i < count; i++ {
			off := uintptr(i) * uintptr(size)
			assert.Equalf(t, uintptr(i), IndexOf(off, mult),
				"size=%d off=%d", size, off)

			// Any interior offset within the slot must floor to the
			// same index as its base offset.
			if size > 1 {
				mid := off + uintptr(size/2)
				assert.Equalf(t, uintptr(i), IndexOf(mid, mult),
					"size=%d mid=%d", size, mid)
			}
		}
	}
}

func TestMultiplierPanicsOnZero(t *testing.T) {
	assert.Panics(t, func() { Multiplier(0) })
}
