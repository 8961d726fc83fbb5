package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitmapSetClearTest(t *testing.T) {
	b := NewBitmap(130) // spans three words
	assert.True(t, b.IsEmpty())

	b.Set(0)
	b.Set(63)
	b.Set(64)
	b.Set(129)
	assert.False(t, b.IsEmpty())
	for _, i := range []uint32{0, 63, 64, 129} {
		assert.Truef(t, b.Test(i), "bit %d should be set", i)
	}
	assert.False(t, b.Test(1))

	b.Clear(64)
	assert.False(t, b.Test(64))
	assert.True(t, b.Test(129))

	b.ClearAll()
	assert.True(t, b.IsEmpty())
}

func TestBitmapForEachSetOrder(t *testing.T) {
	b := NewBitmap(200)
	want := []uint32{3, 10, 64, 65, 199}
	for _, i := range want {
		b.Set(i)
	}

	var got []uint32
	b.ForEachSet(func(i uint32) { got = append(got, i) })
	assert.Equal(t, want, got)
}

func TestBitmapAndNot(t *testing.T) {
	registered := NewBitmap(128)
	marked := NewBitmap(128)
	for _, i := range []uint32{1, 2, 3, 64, 100} {
		registered.Set(i)
	}
	for _, i := range []uint32{2, 64} {
		marked.Set(i)
	}

	var garbage []uint32
	registered.AndNot(&marked, func(i uint32) { garbage = append(garbage, i) })
	assert.ElementsMatch(t, []uint32{1, 3, 100}, garbage)
}
