package collector

import (
	"reflect"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracedgc/tracedgc/internal/alloc"
	"github.com/tracedgc/tracedgc/internal/cell"
	"github.com/tracedgc/tracedgc/internal/mutator"
	"github.com/tracedgc/tracedgc/internal/page"
	"github.com/tracedgc/tracedgc/internal/roots"
	"github.com/tracedgc/tracedgc/internal/typeinfo"
)

type node struct {
	next cell.Cell
	val  int
}

func newTestCollector(t *testing.T) (*Collector, *alloc.ObjectPool, *typeinfo.Info, *mutator.Record) {
	t.Helper()
	info := &typeinfo.Info{RType: reflect.TypeOf(node{}), Size: uint32(unsafe.Sizeof(node{}))}
	info.Offsets() // publish offsets up front so traceChildren has them

	pool := alloc.NewObjectPool(info, info.Size, page.NewBlockAllocator())
	mutators := mutator.NewRegistry()
	global := roots.NewGlobalHeapPools()
	rec := mutator.NewRecord(global, 8)
	mutators.Add(rec)

	c := New(mutators, global, DefaultTunables(), nil, nil)
	c.RegisterType(info.TypeIndex, info, pool)
	return c, pool, info, rec
}

func allocNode(t *testing.T, pool *alloc.ObjectPool) uintptr {
	t.Helper()
	addrs, err := pool.Refill(1)
	require.NoError(t, err)
	page.SetState(addrs[0], page.StateUsed)
	return addrs[0]
}

// TestRunCycleCollectsObjectAfterLastReferenceIsCleared exercises the
// core mark/sweep path end to end: a rooted object X points at Y; the
// first cycle only registers both (nothing is garbage yet); clearing
// X's pointer makes Y unreachable, and the second cycle must sweep
// exactly Y while keeping X live.
func TestRunCycleCollectsObjectAfterLastReferenceIsCleared(t *testing.T) {
	c, pool, _, rec := newTestCollector(t)

	xAddr := allocNode(t, pool)
	yAddr := allocNode(t, pool)

	x := (*node)(unsafe.Pointer(xAddr))
	x.next.Store(yAddr)
	page.SetState(yAddr, page.StateReachableHigh)

	var root cell.Cell
	root.Store(xAddr)
	rec.StackRoots.Register(&root)

	first := c.runCycle()
	assert.Zero(t, first.count, "nothing is garbage on the first cycle")

	x.next.Store(0)
	// Let Y's store hint age out; a slot still in the reachable band is
	// kept live by mark_updated regardless of references.
	page.SetState(yAddr, page.StateUsed)

	second := c.runCycle()
	require.Equal(t, int64(1), second.count)
	assert.Equal(t, int64(int(pool.Pages()[0].ObjectSize())), second.size)

	pg := page.PageOf(yAddr)
	assert.Equal(t, page.StateUnused, pg.State(pg.IndexOf(yAddr)).Load())

	xPg := page.PageOf(xAddr)
	assert.NotEqual(t, page.StateUnused, xPg.State(xPg.IndexOf(xAddr)).Load())

	assert.EqualValues(t, 1, c.Stats().LiveCount)
}

// TestRunCycleDropsEveryNodeAfterAClearedEmbeddedLink verifies that
// clearing an intermediate link in a chain of three drops every node
// after it, not just the immediately unlinked one.
func TestRunCycleDropsEveryNodeAfterAClearedEmbeddedLink(t *testing.T) {
	c, pool, _, rec := newTestCollector(t)

	a := allocNode(t, pool)
	b := allocNode(t, pool)
	cc := allocNode(t, pool)

	(*node)(unsafe.Pointer(a)).next.Store(b)
	(*node)(unsafe.Pointer(b)).next.Store(cc)
	page.SetState(b, page.StateReachableHigh)
	page.SetState(cc, page.StateReachableHigh)

	var root cell.Cell
	root.Store(a)
	rec.StackRoots.Register(&root)

	c.runCycle() // register everything

	(*node)(unsafe.Pointer(a)).next.Store(0)
	// Let the store hints on b and c age out before the sweeping cycle.
	page.SetState(b, page.StateUsed)
	page.SetState(cc, page.StateUsed)
	totals := c.runCycle()

	assert.Equal(t, int64(2), totals.count, "both b and c become unreachable once a drops its pointer")
}
