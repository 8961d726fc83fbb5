package page

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RawPage identifies one not-yet-typed page slot: a Size-aligned base
// address inside a block, plus the block it was carved from. C5/C6
// build a Page header over RawPage.Base via NewPage once they know
// what type (and therefore object size) the page will hold.
type RawPage struct {
	Base  uintptr
	owner *block
}

// BlockAllocator is the process-wide empty-page pool (C3): it carves
// pages from freshly mmap'd blocks and returns whole blocks to the OS
// once every one of their PageCount pages is idle again. Grounded on
// cloudfly-readgo/runtime/malloc.go's mHeap_SysAlloc, replacing the
// teacher's internal sysReserve/sysAlloc shims with real
// golang.org/x/sys/unix syscalls since this is a real importable
// library, not part of a self-hosting runtime.
type BlockAllocator struct {
	mu    spinFlag
	empty []RawPage // process-wide empty-pages stack
}

// NewBlockAllocator returns an empty allocator ready to serve pages.
func NewBlockAllocator() *BlockAllocator {
	return &BlockAllocator{}
}

// Alloc returns one RawPage, carving a fresh block from the OS if the
// empty-pages stack has nothing to offer.
func (a *BlockAllocator) Alloc() (RawPage, error) {
	a.mu.Lock()
	if n := len(a.empty); n > 0 {
		rp := a.empty[n-1]
		a.empty = a.empty[:n-1]
		rp.owner.idle--
		a.mu.Unlock()
		return rp, nil
	}
	a.mu.Unlock()

	b, err := newBlock()
	if err != nil {
		return RawPage{}, errors.Wrap(err, "page: allocate block from OS")
	}

	// Hand back the first page; queue the rest as already-idle so the
	// next PageCount-1 allocations are free-list hits instead of new
	// OS mappings.
	first := RawPage{Base: b.pageBase(0), owner: b}

	a.mu.Lock()
	for i := 1; i < PageCount; i++ {
		a.empty = append(a.empty, RawPage{Base: b.pageBase(i), owner: b})
	}
	b.idle = PageCount - 1
	a.mu.Unlock()

	return first, nil
}

// Free returns pages to the empty-pages stack and, per the design's
// invariant, frees to the OS any block whose full PageCount pages are
// now idle. No page belonging to a block that gets freed this way
// remains on the empty stack afterwards.
func (a *BlockAllocator) Free(pages []RawPage) {
	if len(pages) == 0 {
		return
	}

	a.mu.Lock()
	touched := make(map[*block]struct{}, len(pages))
	for _, rp := range pages {
		a.empty = append(a.empty, rp)
		rp.owner.idle++
		touched[rp.owner] = struct{}{}
	}

	var toFree []*block
	for b := range touched {
		if b.idle == PageCount {
			toFree = append(toFree, b)
		}
	}
	if len(toFree) > 0 {
		freeSet := make(map[*block]struct{}, len(toFree))
		for _, b := range toFree {
			freeSet[b] = struct{}{}
		}
		kept := a.empty[:0]
		for _, rp := range a.empty {
			if _, dead := freeSet[rp.owner]; dead {
				continue
			}
			kept = append(kept, rp)
		}
		a.empty = kept
	}
	a.mu.Unlock()

	for _, b := range toFree {
		// Best-effort: a failed munmap leaks the mapping but never
		// corrupts allocator state, since the block has already been
		// fully unlinked from the empty-pages stack above.
		_ = unix.Munmap(b.raw)
	}
}

// newBlock reserves PageCount*Size bytes of anonymous, zeroed memory
// from the OS and aligns it to Size, matching the teacher's
// arena-reservation-then-round-up pattern in mHeap_SysAlloc.
func newBlock() (*block, error) {
	const want = PageCount * Size

	// Over-allocate by one page so we can round the returned address
	// up to a Size-aligned boundary even if the OS's own page size is
	// smaller than Size (it never will be larger in practice, but the
	// slack costs nothing and matches the defensive rounding the
	// teacher's allocator does).
	raw, err := unix.Mmap(-1, 0, want+Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}

	start := alignUp(addrOf(raw), Size)

	b := &block{base: start, raw: raw}
	return b, nil
}

func alignUp(p uintptr, align uintptr) uintptr {
	return (p + align - 1) &^ (align - 1)
}
