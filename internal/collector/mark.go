package collector

import (
	"unsafe"

	"github.com/tracedgc/tracedgc/internal/cell"
	"github.com/tracedgc/tracedgc/internal/mutator"
	"github.com/tracedgc/tracedgc/internal/page"
)

// checkThreads is spec.md §4.9 step 1: splice out dead mutator records
// (draining their counters into the collector's remainder) and detect
// a thread stalled mid recursive-allocation. runCycle skips the whole
// cycle while any record is stalled, since its partly-built object
// chain is not yet safe to trace.
func (c *Collector) checkThreads() (live []*mutator.Record, stalled map[*mutator.Record]bool) {
	records := c.registry.Sweep(func(r *mutator.Record) {
		count, size := r.DrainCounters()
		c.allocatedRestCount += count
		c.allocatedRestSize += size
	})
	stalledSet := make(map[*mutator.Record]bool)
	for _, r := range records {
		if r.CheckStalled() {
			stalledSet[r] = true
		}
	}
	return records, stalledSet
}

// mark pushes addr's enclosing slot onto the grey worklist if it is
// not already pending or marked. Guards against stale/foreign
// addresses the same way page_of always can: any uintptr that was
// written through a tracked-pointer store is guaranteed to point
// inside a managed page, so the mask-and-dereference is safe.
func (c *Collector) mark(addr uintptr) {
	if addr == 0 {
		return
	}
	pg := page.PageOf(addr)
	if pg == nil {
		return
	}
	idx := pg.IndexOf(addr)
	if idx >= uintptr(pg.ObjectCount) {
		return
	}
	i := uint32(idx)
	if pg.Marked().Test(i) || pg.Reachable().Test(i) {
		return
	}
	pg.Reachable().Set(i)
	c.grey.Push(pg)
}

// markLiveObjects is spec.md §4.9 step 3: walk every registered type's
// pages and seed the grey worklist with every slot seen for the first
// time this process, so a freshly constructed object survives at
// least until mark_reachable has a chance to trace it, independent of
// whether a root has reached it yet.
func (c *Collector) markLiveObjects() {
	for _, te := range c.typeSnapshot() {
		for _, pg := range te.alloc.Pages() {
			for i := uint32(0); i < pg.ObjectCount; i++ {
				st := pg.State(uintptr(i)).Load()
				if st == page.StateUnused || st == page.StateBadAlloc {
					continue
				}
				if pg.Registered().Test(i) {
					continue
				}
				wasEmpty := pg.Registered().IsEmpty()
				pg.Registered().Set(i)
				if wasEmpty {
					c.registeredPages.Push(pg)
				}
				pg.Reachable().Set(i)
				c.grey.Push(pg)
			}
		}
	}
}

// markStack is spec.md §4.9 step 4. Stalled records (mid recursive
// allocation) are skipped: their partly-built object chain is not yet
// safe to chase, per spec.md §4.9 step 1 and scenario F.
func (c *Collector) markStack(live []*mutator.Record, stalled map[*mutator.Record]bool) {
	for _, r := range live {
		if stalled[r] || r.StackRoots == nil {
			continue
		}
		r.StackRoots.Each(c.mark)
	}
}

// markRoots is spec.md §4.9 step 5, covering both each live mutator's
// own heap-roots subpools and subpools parked on the global reserve
// list by a mutator that rotated them out before exiting.
func (c *Collector) markRoots(live []*mutator.Record, stalled map[*mutator.Record]bool) {
	for _, r := range live {
		if stalled[r] || r.HeapRoots == nil {
			continue
		}
		r.HeapRoots.Each(c.mark)
	}
	if c.globalHeap != nil {
		c.globalHeap.EachReserve(c.mark)
	}
}

// markReachable is spec.md §4.9 step 6: drain the grey stack until
// empty, marking each pending slot and pushing its children found via
// the page type's learned pointer offsets.
func (c *Collector) markReachable() {
	for {
		pg := c.grey.Pop()
		if pg == nil {
			return
		}
		pg.Reachable().ForEachSet(func(i uint32) {
			if pg.Marked().Test(i) {
				return
			}
			pg.Marked().Set(i)
			base := pg.Data() + uintptr(i)*uintptr(pg.ObjectSize())
			c.traceChildren(pg, base)
		})
		pg.Reachable().ClearAll()
	}
}

// traceChildren walks the tracked-pointer fields of the object at base
// (per pg.Type's learned offsets, or per-element offsets/stride for an
// array page) and marks each non-null child.
func (c *Collector) traceChildren(pg *page.Page, base uintptr) {
	typ := pg.Type
	if typ == nil {
		return
	}
	if typ.Elem != nil {
		count := pg.ObjectSize() / typ.Stride
		for e := uint32(0); e < count; e++ {
			elemBase := base + uintptr(e)*uintptr(typ.Stride)
			for _, off := range typ.Elem.Offsets() {
				c.mark(readCell(elemBase + off))
			}
		}
		return
	}
	for _, off := range typ.Offsets() {
		c.mark(readCell(base + off))
	}
}

func readCell(addr uintptr) uintptr {
	return (*cell.Cell)(unsafe.Pointer(addr)).Load()
}

// markUpdated is spec.md §4.9 step 7: a second pass over every
// registered page looking for a slot that mark has not reached but
// whose state is in the reachable band (a recent or concurrent mutator
// store), re-seeding the grey worklist for it. Returns whether any
// progress was made, so the caller can iterate steps 6/7 to a fixpoint.
func (c *Collector) markUpdated() (progressed bool) {
	c.registeredPages.Each(func(pg *page.Page) {
		pg.Registered().ForEachSet(func(i uint32) {
			if !pg.Marked().Test(i) {
				st := pg.State(uintptr(i)).Load()
				if st.IsReachable() && !pg.Reachable().Test(i) {
					pg.Reachable().Set(i)
					c.grey.Push(pg)
					progressed = true
				}
			}
		})
	})
	return progressed
}
