// Package alloc implements C5 (object-pool allocator) and C6
// (large-object allocator): the shared, per-type structures that hand
// out and reclaim object slots. Per-goroutine caching on top of these
// (C2's Pool, drawn down in batches) lives in internal/mutator, the
// same split the teacher draws between mcentral (shared, per
// size-class) and mcache (per-P, refilled from mcentral in batches).
package alloc

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tracedgc/tracedgc/internal/page"
	"github.com/tracedgc/tracedgc/internal/typeinfo"
)

// RefillBatch is the count Heap passes to ObjectPool.Refill when a
// mutator's local batch is empty (Refill itself always takes an
// explicit count), and the capacity of that local batch, matching
// the teacher's mcentral_CacheSpan batching rationale: refilling one
// slot at a time makes every allocation pay the pool's lock.
const RefillBatch = 32

// ObjectPool is the shared, per-registered-type object allocator
// (C5). It is grounded end to end on cloudfly-readgo/runtime/
// mcentral.go's CacheSpan/Grow/FreeSpan: CacheSpan's "pull a free
// object list, growing from the heap if empty" becomes Refill/grow
// below, and FreeSpan's "return a span to the heap once its object
// count reaches zero" becomes ReclaimPage. The sweepgen/incache
// bookkeeping mcentral.go needs to coordinate with a concurrent
// background sweeper has no equivalent here: this project's only
// sweeper is the single collector goroutine (see internal/collector),
// so ObjectPool's own mutex is enough.
type ObjectPool struct {
	info       *typeinfo.Info
	objectSize uint32
	blocks     *page.BlockAllocator

	mu    sync.Mutex
	pages []*page.Page
	free  []uintptr
}

// NewObjectPool returns an empty pool for objects of objectSize bytes
// of type info, carving pages from blocks as needed.
func NewObjectPool(info *typeinfo.Info, objectSize uint32, blocks *page.BlockAllocator) *ObjectPool {
	return &ObjectPool{info: info, objectSize: objectSize, blocks: blocks}
}

// Refill returns up to want free slot addresses, growing the pool
// from the block allocator as needed. It may return fewer than want
// (but at least one) if growth partially succeeds before an error; it
// only returns an error if it could not produce even one address.
func (o *ObjectPool) Refill(want int) ([]uintptr, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]uintptr, 0, want)
	for len(out) < want {
		if len(o.free) == 0 {
			if err := o.grow(); err != nil {
				if len(out) > 0 {
					return out, nil
				}
				return nil, err
			}
		}
		n := want - len(out)
		if n > len(o.free) {
			n = len(o.free)
		}
		split := len(o.free) - n
		out = append(out, o.free[split:]...)
		o.free = o.free[:split]
	}
	return out, nil
}

// grow carves one more page from the block allocator and seeds the
// free buffer with every slot in it. Callers hold o.mu.
func (o *ObjectPool) grow() error {
	rp, err := o.blocks.Alloc()
	if err != nil {
		return errors.Wrap(err, "alloc: grow object pool")
	}
	pg := page.NewPage(rp, o.info, o.objectSize)
	o.pages = append(o.pages, pg)
	for i := uint32(0); i < pg.ObjectCount; i++ {
		o.free = append(o.free, pg.Data()+uintptr(i)*uintptr(o.objectSize))
	}
	return nil
}

// Return gives freed slot addresses back to the pool for reuse. The
// caller (the collector's sweep pass) must have already reset each
// slot's State to Unused before calling this.
func (o *ObjectPool) Return(addrs []uintptr) {
	if len(addrs) == 0 {
		return
	}
	o.mu.Lock()
	o.free = append(o.free, addrs...)
	o.mu.Unlock()
}

// Pages returns a snapshot of every page this pool has carved, for the
// collector's mark/sweep scans.
func (o *ObjectPool) Pages() []*page.Page {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*page.Page, len(o.pages))
	copy(out, o.pages)
	return out
}

// ReclaimPage unlinks pg from this pool and returns its memory to the
// block allocator. The caller must have already verified every slot
// in pg is Unused (the design's "a page returns to the block allocator
// only once every slot in it is free" invariant). Any of pg's
// addresses still sitting in the free buffer are dropped so a reclaimed
// page is never handed out again after this call.
func (o *ObjectPool) ReclaimPage(pg *page.Page) {
	o.mu.Lock()
	for i, p := range o.pages {
		if p == pg {
			o.pages[i] = o.pages[len(o.pages)-1]
			o.pages = o.pages[:len(o.pages)-1]
			break
		}
	}
	lo, hi := pg.Data(), pg.Data()+uintptr(pg.ObjectCount)*uintptr(o.objectSize)
	kept := o.free[:0]
	for _, addr := range o.free {
		if addr >= lo && addr < hi {
			continue
		}
		kept = append(kept, addr)
	}
	o.free = kept
	o.mu.Unlock()

	o.blocks.Free([]page.RawPage{pg.Raw()})
}

// Reclaim is ReclaimPage under the name the collector's sweep step
// uses uniformly across ObjectPool and LargeAllocator.
func (o *ObjectPool) Reclaim(pg *page.Page) error {
	o.ReclaimPage(pg)
	return nil
}
