// Package roots implements C7 (stack-roots allocator) and C8
// (heap-roots allocator): the two places a cell.Cell can live
// outside a managed object, and the tables the collector walks to
// find them.
package roots

import (
	"sync"
	"unsafe"

	"github.com/tracedgc/tracedgc/internal/cell"
)

// NumBuckets is the 256-way hash spread spec.md's stack-roots table
// uses: bucket = high bits of the cell's own address.
const NumBuckets = 256

// DefaultMaxStackOffset is the window (bytes) within which a cell's
// address must fall of the allocating call's probe address to be
// classified as a stack root, per spec.md's MaxStackOffset tunable.
const DefaultMaxStackOffset = 1024

// ClassifyKind decides whether a newly registered cell at cellAddr is
// a stack root or an external-heap root, by comparing its distance
// from probeAddr (the address of a local variable in the registering
// call frame) against maxStackOffset. Embedded cells never reach this
// function: only Tracked.Root and TrackedArray.Root classify a cell,
// and cells embedded in managed objects are found by the reflected
// field offsets in internal/typeinfo instead.
//
// Go moves goroutine stacks on growth, so unlike the original this is
// a best-effort heuristic rather than a load-bearing safety property.
func ClassifyKind(cellAddr, probeAddr uintptr) cell.Kind {
	return ClassifyKindWithOffset(cellAddr, probeAddr, DefaultMaxStackOffset)
}

// ClassifyKindWithOffset is ClassifyKind with a caller-supplied window,
// for a Heap constructed with tracedgc.WithMaxStackOffset.
func ClassifyKindWithOffset(cellAddr, probeAddr, maxOffset uintptr) cell.Kind {
	diff := cellAddr - probeAddr
	if diff > ^uintptr(0)>>1 {
		diff = probeAddr - cellAddr
	}
	if diff <= maxOffset {
		return cell.KindStack
	}
	return cell.KindExternalHeap
}

// StackTable is the per-mutator stack-roots table: a 256-way-hashed
// set of cell pointers, lazily grown per bucket. Grounded on spec.md
// §3/§4.5's "array of fixed pages indexed by (addr/PageSize)%256";
// realized with a plain growable slice per bucket rather than a
// literal 4 KiB page array, since Go slices already give amortised
// O(1) append without the manual page-table bookkeeping the original
// needs in a language without a growable array in its standard
// library.
type StackTable struct {
	mu      sync.Mutex
	buckets [NumBuckets][]*cell.Cell
}

// NewStackTable returns an empty stack-roots table.
func NewStackTable() *StackTable { return &StackTable{} }

// Handle identifies a registered slot for Unregister.
type Handle struct {
	bucket uint8
	slot   int
}

func bucketOf(c *cell.Cell) uint8 {
	addr := uintptr(unsafe.Pointer(c))
	return uint8((addr >> 12) & (NumBuckets - 1))
}

// Register adds c to the table, returning a handle for later removal.
func (t *StackTable) Register(c *cell.Cell) Handle {
	b := bucketOf(c)
	t.mu.Lock()
	t.buckets[b] = append(t.buckets[b], c)
	slot := len(t.buckets[b]) - 1
	t.mu.Unlock()
	return Handle{bucket: b, slot: slot}
}

// Unregister removes the cell registered under h by clearing its slot,
// matching the design's "release root storage" contract. Other handles
// stay valid; trailing cleared slots are trimmed from the bucket.
func (t *StackTable) Unregister(h Handle) {
	t.mu.Lock()
	bucket := t.buckets[h.bucket]
	if h.slot >= 0 && h.slot < len(bucket) {
		bucket[h.slot] = nil
		for len(bucket) > 0 && bucket[len(bucket)-1] == nil {
			bucket = bucket[:len(bucket)-1]
		}
		t.buckets[h.bucket] = bucket
	}
	t.mu.Unlock()
}

// Each walks every non-null registered target address. Used by the
// collector's mark_stack step; the caller must not register or
// unregister concurrently with this call (the collector and mutators
// never run mark_stack and Register/Unregister at the same instant
// for the same mutator, since a mutator's own table is only scanned
// after check_threads observes whether the owning record is still in
// use).
func (t *StackTable) Each(fn func(addr uintptr)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, bucket := range t.buckets {
		for _, c := range bucket {
			if c == nil {
				continue
			}
			if addr := c.Load(); addr != 0 {
				fn(addr)
			}
		}
	}
}
