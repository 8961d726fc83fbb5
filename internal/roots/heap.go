package roots

import (
	"sync"

	"github.com/tracedgc/tracedgc/internal/cell"
)

// subpool is one fixed-capacity bucket of heap-root cells, the unit
// spec.md's heap-roots allocator rotates between a thread's primary
// slot and the global free/reserve lists.
type subpool struct {
	items []*cell.Cell
	cap   int
}

func newSubpool(capacity int) *subpool {
	return &subpool{items: make([]*cell.Cell, 0, capacity), cap: capacity}
}

func (p *subpool) full() bool { return len(p.items) == p.cap }

func (p *subpool) add(c *cell.Cell) bool {
	if p.full() {
		return false
	}
	p.items = append(p.items, c)
	return true
}

func (p *subpool) each(fn func(addr uintptr)) {
	for _, c := range p.items {
		if addr := c.Load(); addr != 0 {
			fn(addr)
		}
	}
}

// GlobalHeapPools is the process-wide free/reserve lists C8 rotates
// exhausted and full subpools through, shared by every mutator's
// HeapRoots. Grounded on the same free/reserve-list rotation as C2's
// pointer_store.go pattern, scaled to two lists per spec.md §4.5.
type GlobalHeapPools struct {
	mu      sync.Mutex
	free    []*subpool
	reserve []*subpool
}

// NewGlobalHeapPools returns empty free/reserve lists.
func NewGlobalHeapPools() *GlobalHeapPools { return &GlobalHeapPools{} }

func (g *GlobalHeapPools) takeFree(capacity int) *subpool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := len(g.free); n > 0 {
		p := g.free[n-1]
		g.free = g.free[:n-1]
		return p
	}
	return newSubpool(capacity)
}

func (g *GlobalHeapPools) pushReserve(p *subpool) {
	g.mu.Lock()
	g.reserve = append(g.reserve, p)
	g.mu.Unlock()
}

// pushFree returns an emptied subpool to the free list, used when the
// collector drains a dead mutator's heap roots.
func (g *GlobalHeapPools) pushFree(p *subpool) {
	p.items = p.items[:0]
	g.mu.Lock()
	g.free = append(g.free, p)
	g.mu.Unlock()
}

// EachReserve walks every cell in every subpool currently parked on
// the reserve list, used by the collector's mark_roots step to cover
// subpools rotated out of a mutator before it exited.
func (g *GlobalHeapPools) EachReserve(fn func(addr uintptr)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.reserve {
		p.each(fn)
	}
}

// HeapRoots is the per-mutator heap-roots allocator (C8): a primary
// subpool takes new registrations; once full it is pushed to the
// global reserve list and a fresh (or recycled) subpool is rotated in
// from secondary/global-free, amortising both alloc and free to O(1).
type HeapRoots struct {
	global    *GlobalHeapPools
	capacity  int
	primary   *subpool
	secondary *subpool
}

// NewHeapRoots returns a heap-roots allocator drawing spare subpools
// from global, with the given per-subpool capacity.
func NewHeapRoots(global *GlobalHeapPools, capacity int) *HeapRoots {
	return &HeapRoots{
		global:    global,
		capacity:  capacity,
		primary:   newSubpool(capacity),
		secondary: newSubpool(capacity),
	}
}

// Register adds c as an external-heap root, rotating subpools if the
// current one is full.
func (h *HeapRoots) Register(c *cell.Cell) {
	if h.primary.add(c) {
		return
	}
	h.global.pushReserve(h.primary)
	h.primary, h.secondary = h.secondary, h.global.takeFree(h.capacity)
	h.primary.add(c)
}

// Each walks every non-null address currently held in this mutator's
// own two subpools (the global reserve list is walked separately via
// GlobalHeapPools.EachReserve).
func (h *HeapRoots) Each(fn func(addr uintptr)) {
	h.primary.each(fn)
	h.secondary.each(fn)
}

// Release returns both of this mutator's subpools, emptied, to the
// global free list. Nothing in the collector calls it at present.
func (h *HeapRoots) Release() {
	h.global.pushFree(h.primary)
	h.global.pushFree(h.secondary)
}
