package page

// PageCount is how many pages one block groups together, amortising
// the cost of talking to the OS the same way the teacher's MHeap
// grows its arena in multi-megabyte chunks instead of one page at a
// time.
const PageCount = 15

// block is PageCount contiguous, Size-aligned pages obtained from the
// OS in one mapping. Mapping a block writes nothing at its page bases,
// so a not-yet-carved page has no back pointer and cannot answer
// PageOf-style queries; a page's back pointer is written, as the page
// header pointer, only once the page is handed to an allocator (see
// newPage). The owning block is recorded in the page header's owner
// field instead.
type block struct {
	base uintptr // Size-aligned base of the PageCount*Size mapping
	raw  []byte  // the mmap'd region, kept alive and used to munmap

	// idle counts how many of this block's pages are currently on the
	// empty list. The block allocator frees the whole block to the OS
	// exactly when idle reaches PageCount (invariant from the design:
	// "a block returns to the OS only when every page is on the empty
	// list").
	idle int
}

func (b *block) pageBase(i int) uintptr {
	return b.base + uintptr(i)*Size
}
