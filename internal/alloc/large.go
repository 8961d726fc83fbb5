package alloc

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/tracedgc/tracedgc/internal/page"
	"github.com/tracedgc/tracedgc/internal/typeinfo"
)

// LargeThreshold is the object size at or above which an allocation bypasses
// ObjectPool entirely and gets its own OS mapping, mirroring the
// teacher's largeAlloc cutover in malloc.go (mallocgc routes anything
// bigger than maxSmallSize straight to largeAlloc instead of a
// size-class central list).
const LargeThreshold = page.DataSize

// LargeAllocator implements C6: objects too big to share a page get a
// dedicated, exactly-sized mapping, one object per mapping, freed
// straight back to the OS on reclaim rather than recycled through a
// block's idle-page accounting. Grounded on
// cloudfly-readgo/runtime/malloc.go's largeAlloc, which rounds the
// request up to a page multiple and calls the heap's page allocator
// directly instead of going through an mcentral size class.
type LargeAllocator struct {
	info *typeinfo.Info

	mu    sync.Mutex
	pages map[*page.Page]struct{}
}

// NewLargeAllocator returns a large-object allocator for the given
// type.
func NewLargeAllocator(info *typeinfo.Info) *LargeAllocator {
	return &LargeAllocator{info: info, pages: make(map[*page.Page]struct{})}
}

// Alloc reserves a fresh mapSize-rounded-up mapping for one object of
// objectSize bytes and returns its single-slot page header.
func (l *LargeAllocator) Alloc(objectSize uint32) (*page.Page, error) {
	need := uintptr(objectSize) + 16 // header reserve, see page.headerReserve
	pages := (need + page.Size - 1) / page.Size
	mapSize := pages * page.Size

	// Over-allocate by one page, same slack newBlock uses, so the
	// returned region can be rounded up to a Size-aligned boundary.
	raw, err := unix.Mmap(-1, 0, int(mapSize+page.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "alloc: mmap large object")
	}
	base := page.AlignUp(page.AddrOf(raw), page.Size)

	pg := page.NewLargePage(base, mapSize, l.info, objectSize)

	l.mu.Lock()
	l.pages[pg] = struct{}{}
	l.mu.Unlock()

	// raw is intentionally not retained: base is derived from it and
	// the only way back to the mapping for Munmap is recomputing the
	// same [base, base+mapSize) window Free below uses, since a
	// Size-aligned large mapping's usable span always starts at base.
	return pg, nil
}

// Free releases pg's mapping back to the OS. The caller must have
// already verified pg's sole slot is Unused.
func (l *LargeAllocator) Free(pg *page.Page) error {
	l.mu.Lock()
	delete(l.pages, pg)
	l.mu.Unlock()

	size := uintptr(pg.ObjectSize()) + 16
	pages := (size + page.Size - 1) / page.Size
	mapSize := pages * page.Size

	region := unsafe.Slice((*byte)(unsafe.Pointer(pg.Base())), int(mapSize))
	if err := unix.Munmap(region); err != nil {
		return errors.Wrap(err, "alloc: munmap large object")
	}
	return nil
}

// Reclaim is Free under the name the collector's sweep step uses
// uniformly across ObjectPool and LargeAllocator.
func (l *LargeAllocator) Reclaim(pg *page.Page) error { return l.Free(pg) }

// Return is a no-op for LargeAllocator: a large object's single slot
// has nowhere to recycle to short of freeing the whole mapping, which
// Reclaim already does once the collector observes the slot Unused.
func (l *LargeAllocator) Return([]uintptr) {}

// Pages returns a snapshot of every live large-object page, for the
// collector's mark/sweep scans.
func (l *LargeAllocator) Pages() []*page.Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*page.Page, 0, len(l.pages))
	for pg := range l.pages {
		out = append(out, pg)
	}
	return out
}
