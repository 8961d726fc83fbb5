package collector

import (
	"unsafe"

	"github.com/tracedgc/tracedgc/internal/cell"
	"github.com/tracedgc/tracedgc/internal/page"
)

type sweptTotals struct {
	count int64
	size  int64
}

// runCycle executes one full pass of spec.md §4.9's nine steps and
// returns this cycle's sweep totals. If any mutator is stalled mid
// recursive allocation the cycle is skipped and zero totals returned.
func (c *Collector) runCycle() sweptTotals {
	live, stalled := c.checkThreads()
	if len(stalled) > 0 {
		return sweptTotals{}
	}
	c.updateStates()
	c.markLiveObjects()
	c.markStack(live, stalled)
	c.markRoots(live, stalled)

	for {
		c.markReachable()
		if !c.markUpdated() {
			break
		}
	}

	return c.removeGarbage()
}

// removeGarbage is spec.md §4.9 step 8: every registered-but-unmarked
// slot that is not BadAlloc is destroyed, its pointer fields nulled
// first, and its page recycled through the owning type's allocator
// once fully idle.
func (c *Collector) removeGarbage() sweptTotals {
	var totals sweptTotals
	liveCount, liveSize := int64(0), int64(0)

	for _, te := range c.typeSnapshot() {
		var freedAddrs []uintptr
		for _, pg := range te.alloc.Pages() {
			var toFree []uint32
			pg.Registered().AndNot(pg.Marked(), func(i uint32) {
				if pg.State(uintptr(i)).Load() == page.StateBadAlloc {
					return
				}
				toFree = append(toFree, i)
			})
			for _, i := range toFree {
				base := pg.Data() + uintptr(i)*uintptr(pg.ObjectSize())
				c.destroySlot(pg, i, base, te)
				pg.Registered().Clear(i)
				totals.count++
				totals.size += int64(pg.ObjectSize())
			}
			if len(toFree) > 0 {
				freedAddrs = append(freedAddrs, slotAddrs(pg, toFree)...)
			}
			pg.Marked().ClearAll()

			if pageFullyUnused(pg) {
				if err := te.alloc.Reclaim(pg); err == nil && c.metrics != nil {
					c.metrics.BlocksReturned.Inc()
				}
				continue
			}
			liveCount += int64(countLive(pg))
			liveSize += int64(countLive(pg)) * int64(pg.ObjectSize())
		}
		if len(freedAddrs) > 0 {
			te.alloc.Return(freedAddrs)
		}
	}

	c.liveCount = liveCount
	c.liveSize = liveSize
	c.allocatedRestCount = 0
	c.allocatedRestSize = 0

	if c.metrics != nil {
		c.metrics.LiveObjects.Set(float64(liveCount))
		c.metrics.LiveBytes.Set(float64(liveSize))
		if totals.count > 0 {
			c.metrics.SweptObjects.Add(float64(totals.count))
			c.metrics.SweptBytes.Add(float64(totals.size))
		}
	}
	return totals
}

// destroySlot nulls pg's tracked-pointer fields at slot i (so a
// destructor observing them sees null, per spec.md §8 invariant 3),
// runs the type's destructor if any, and sets the slot Unused.
func (c *Collector) destroySlot(pg *page.Page, i uint32, base uintptr, te *typeEntry) {
	if te.info != nil {
		if te.info.Elem != nil {
			count := pg.ObjectSize() / te.info.Stride
			for e := uint32(0); e < count; e++ {
				elemBase := base + uintptr(e)*uintptr(te.info.Stride)
				for _, off := range te.info.Elem.Offsets() {
					zeroCell(elemBase + off)
				}
			}
		} else {
			for _, off := range te.info.Offsets() {
				zeroCell(base + off)
			}
		}
		if te.info.Destroy != nil {
			te.info.Destroy(base)
		}
	}
	pg.State(uintptr(i)).Store(page.StateUnused)
}

func zeroCell(addr uintptr) {
	(*cell.Cell)(unsafe.Pointer(addr)).Store(0)
}

func slotAddrs(pg *page.Page, idxs []uint32) []uintptr {
	out := make([]uintptr, len(idxs))
	for n, i := range idxs {
		out[n] = pg.Data() + uintptr(i)*uintptr(pg.ObjectSize())
	}
	return out
}

func pageFullyUnused(pg *page.Page) bool {
	for i := uint32(0); i < pg.ObjectCount; i++ {
		if pg.State(uintptr(i)).Load() != page.StateUnused {
			return false
		}
	}
	return true
}

func countLive(pg *page.Page) int {
	n := 0
	for i := uint32(0); i < pg.ObjectCount; i++ {
		if pg.State(uintptr(i)).Load() != page.StateUnused {
			n++
		}
	}
	return n
}
