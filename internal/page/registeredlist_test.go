package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPage(t *testing.T, blocks *BlockAllocator, objectSize uint32) *Page {
	t.Helper()
	rp, err := blocks.Alloc()
	require.NoError(t, err)
	return NewPage(rp, nil, objectSize)
}

func TestRegisteredListPushAndEach(t *testing.T) {
	blocks := NewBlockAllocator()
	a := newTestPage(t, blocks, 32)
	b := newTestPage(t, blocks, 32)

	var l RegisteredList
	l.Push(a)
	l.Push(b)

	var seen []*Page
	l.Each(func(p *Page) { seen = append(seen, p) })
	assert.Equal(t, []*Page{b, a}, seen)
}

func TestGreyStackPushIsIdempotentPerPage(t *testing.T) {
	blocks := NewBlockAllocator()
	a := newTestPage(t, blocks, 32)
	b := newTestPage(t, blocks, 32)

	var s GreyStack
	assert.True(t, s.Empty())

	s.Push(a)
	s.Push(a) // duplicate push of an already-pending page must be a no-op
	s.Push(b)

	assert.Equal(t, b, s.Pop())
	assert.Equal(t, a, s.Pop())
	assert.Nil(t, s.Pop())
	assert.True(t, s.Empty())
}

func TestGreyStackPageCanBeRepushedAfterPop(t *testing.T) {
	blocks := NewBlockAllocator()
	a := newTestPage(t, blocks, 32)

	var s GreyStack
	s.Push(a)
	require.Equal(t, a, s.Pop())

	s.Push(a) // a is no longer pending, so this must succeed
	assert.Equal(t, a, s.Pop())
}
