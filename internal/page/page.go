// Package page implements the fixed-size page/block memory substrate
// the rest of the collector allocates from: C1 (data page & block),
// C2 (pointer pool), C3 (block allocator) and C4 (page metadata and
// state map).
//
// Grounded on cloudfly-readgo/runtime/malloc.go's mheap/mspan
// bookkeeping, narrowed from "arena of size-classed spans" to "one
// page type per registered Go type", and on msize.go's shift-multiply
// magic-number derivation (see divmagic.go).
package page

import (
	"sync/atomic"
	"unsafe"

	"github.com/tracedgc/tracedgc/internal/typeinfo"
)

const (
	// Size is the fixed page unit. Every page is mapped at a Size-aligned
	// address so its base is recoverable from any interior pointer by
	// masking off the low bits.
	Size = 4096

	// headerReserve is the number of bytes at the start of every page
	// reserved for the back pointer to the Page header. It is rounded
	// up to 16 so object data starts on a generous alignment boundary
	// regardless of object size.
	headerReserve = 16

	// DataSize is how many bytes of each page are available to object
	// slots once the header back pointer is accounted for.
	DataSize = Size - headerReserve
)

// Page is the separately-allocated header for one managed page. It is
// a normal Go heap value; the raw mmap'd page it describes stores a
// uintptr back pointer to it at its base so PageOf can recover it from
// any interior pointer without a lookup table.
type Page struct {
	// base is the page-aligned address of the raw memory this header
	// describes. base&(Size-1) == 0 always.
	base uintptr

	// Type is the type-metadata pointer for objects stored in this
	// page. Immutable after the page's first write (page construction
	// publishes it before the page is linked into any list).
	Type *typeinfo.Info

	// data is the interior base address of the object-slot region,
	// i.e. base+headerReserve.
	data uintptr

	// objectSize and multiplier together implement IndexOf without a
	// division on the hot path (see divmagic.go).
	objectSize uint32
	multiplier uint64

	// ObjectCount is how many object slots fit in this page.
	ObjectCount uint32

	// states holds one AtomicState per slot.
	states []AtomicState

	// registered and marked are collector-owned bitmaps of
	// ceil(ObjectCount/64) 64-bit words. reachable is the derived
	// mark-phase worklist bitmap. All three are only ever mutated by
	// the single collector goroutine, so they need no atomics of their
	// own.
	registered Bitmap
	marked     Bitmap
	reachable  Bitmap

	// owner is the Block this page was carved from, used by the block
	// allocator to decide when all 15 pages of a block are idle.
	owner *block

	// nextRegistered links p into the collector's append-only
	// RegisteredList once mark_live_objects has seen it for the first
	// time; nextReachable links it into the collector's GreyStack while
	// it has unmarked bits pending. See registeredlist.go.
	nextRegistered atomic.Pointer[Page]
	nextReachable  atomic.Pointer[Page]
}

// NewPage builds a page header over rp for objects of objectSize
// bytes, immediately publishing typ. rp.Base must be Size-aligned raw
// memory obtained from a BlockAllocator.
func NewPage(rp RawPage, typ *typeinfo.Info, objectSize uint32) *Page {
	base := rp.Base
	if base&(Size-1) != 0 {
		panic("page: unaligned base")
	}
	count := uint32(DataSize) / objectSize
	p := &Page{
		base:        base,
		Type:        typ,
		data:        base + headerReserve,
		objectSize:  objectSize,
		multiplier:  Multiplier(objectSize),
		ObjectCount: count,
		states:      make([]AtomicState, count),
		registered:  NewBitmap(count),
		marked:      NewBitmap(count),
		reachable:   NewBitmap(count),
		owner:       rp.owner,
	}
	for i := range p.states {
		p.states[i].Store(StateUnused)
	}
	// Publish the back pointer so PageOf can recover p from any
	// interior pointer into [base, base+Size).
	*(*uintptr)(unsafe.Pointer(base)) = uintptr(unsafe.Pointer(p))
	return p
}

// Raw returns the RawPage describing p's underlying memory, used when
// handing a fully-idle page back to the BlockAllocator.
func (p *Page) Raw() RawPage { return RawPage{Base: p.base, owner: p.owner} }

// NewLargePage builds a page header for a single large object that did
// not fit the fixed DataSize of a normal page, over a dedicated
// mapSize-byte mapping obtained directly from the OS (see
// internal/alloc.LargeAllocator, grounded on malloc.go's largeAlloc).
// It always carries exactly one slot.
func NewLargePage(base uintptr, mapSize uintptr, typ *typeinfo.Info, objectSize uint32) *Page {
	if base&(Size-1) != 0 {
		panic("page: unaligned base")
	}
	p := &Page{
		base:        base,
		Type:        typ,
		data:        base + headerReserve,
		objectSize:  objectSize,
		multiplier:  Multiplier(objectSize),
		ObjectCount: 1,
		states:      make([]AtomicState, 1),
		registered:  NewBitmap(1),
		marked:      NewBitmap(1),
		reachable:   NewBitmap(1),
	}
	p.states[0].Store(StateUnused)
	*(*uintptr)(unsafe.Pointer(base)) = uintptr(unsafe.Pointer(p))
	return p
}

// Base returns the page-aligned base address of the raw memory p
// describes.
func (p *Page) Base() uintptr { return p.base }

// Data returns the interior base address of the object-slot region.
func (p *Page) Data() uintptr { return p.data }

// ObjectSize returns the fixed size of every slot in p.
func (p *Page) ObjectSize() uint32 { return p.objectSize }

// IndexOf returns the slot index containing interior pointer p2,
// computed in O(1) without division via the page's precomputed
// multiplier.
func (p *Page) IndexOf(p2 uintptr) uintptr {
	return IndexOf(p2-p.data, p.multiplier)
}

// BaseAddressOf returns the address of the object slot enclosing
// interior pointer p2.
func (p *Page) BaseAddressOf(p2 uintptr) uintptr {
	idx := p.IndexOf(p2)
	return p.data + idx*uintptr(p.objectSize)
}

// State returns the AtomicState cell for slot i.
func (p *Page) State(i uintptr) *AtomicState { return &p.states[i] }

// Registered, Marked and Reachable expose the collector's bitmaps.
// They are only safe to call from the single collector goroutine.
func (p *Page) Registered() *Bitmap { return &p.registered }
func (p *Page) Marked() *Bitmap     { return &p.marked }
func (p *Page) Reachable() *Bitmap  { return &p.reachable }

// PageOf recovers the Page header for any interior pointer p2 into a
// managed page by masking to the page base and dereferencing the back
// pointer stored there. This is the collector's and the mutator
// write-path's core O(1) operation.
func PageOf(p2 uintptr) *Page {
	base := p2 &^ (Size - 1)
	return (*Page)(unsafe.Pointer(*(*uintptr)(unsafe.Pointer(base))))
}

// BaseAddressOf finds the enclosing object's address for any interior
// pointer, independent of where inside the slot p2 points. It is the
// free-function form of Page.BaseAddressOf, used by callers that only
// have a raw pointer.
func BaseAddressOf(p2 uintptr) uintptr {
	return PageOf(p2).BaseAddressOf(p2)
}

// SetState stores s into the slot containing interior pointer p2 with
// release ordering, matching the design's write "hint" protocol
// (section 4.8): this is not a barrier that enqueues anything, just a
// recency stamp the collector's ageing pass later consults.
func SetState(p2 uintptr, s State) {
	pg := PageOf(p2)
	idx := pg.IndexOf(p2)
	pg.State(idx).Store(s)
}
