// Package mutator implements C10: the per-mutator record a Heap
// hands out to whichever goroutine is currently allocating or storing
// tracked pointers, grounded on cloudfly-readgo/runtime/malloc.go's
// per-M mcache (allocmcache/gomcache/freemcache).
//
// Go has no thread-local storage and no goroutine-exit hook, so a
// Record cannot be "owned by one goroutine until it exits" the way
// the original's thread_local mutator record is. Instead a Heap keeps
// a sync.Pool of Records (see tracedgc.Heap): Get/Put around each
// allocation or root registration plays the role of acquiring and
// releasing the per-thread cache; tracked-pointer stores take no
// record. Every Record a Heap creates is added to its Registry and
// stays there with IsUsed true, so a Record that sync.Pool drops is
// never reclaimed: its roots, counters and cached addresses are kept
// and scanned by every later cycle.
package mutator

import (
	"sync"
	"sync/atomic"

	"github.com/tracedgc/tracedgc/internal/alloc"
	"github.com/tracedgc/tracedgc/internal/page"
	"github.com/tracedgc/tracedgc/internal/roots"
	"github.com/tracedgc/tracedgc/internal/typeinfo"
)

// MaxTypeNumber mirrors typeinfo.MaxTypeNumber; the per-type allocator
// cache is sized identically so every registered type index has a
// fixed home at [index/64][index%64], per spec.md §3.
const MaxTypeNumber = typeinfo.MaxTypeNumber

const cacheRows = 64
const cacheCols = 64

// Record is one mutator's allocation state: live counters, its own
// root tables, and a per-type allocator cache indexed the way spec.md
// describes (index/64, index%64) so a hot allocation path never walks
// a map.
type Record struct {
	// IsUsed is set true by NewRecord. Registry.Sweep drops and drains
	// a record whose IsUsed is false, the design's "splice out dead
	// records" step; outside tests nothing sets it false, so every
	// record stays in the Registry.
	IsUsed atomic.Bool

	AllocCount atomic.Int64
	AllocSize  atomic.Int64

	StackRoots *roots.StackTable
	HeapRoots  *roots.HeapRoots

	// recursiveAllocPointer is compared against its previous value by
	// the collector's check_threads step to detect a constructor that
	// is recursively allocating and stalled (spec.md §4.9 step 1);
	// Enter/ExitAlloc below maintain it.
	recursiveAllocPointer atomic.Uintptr
	lastSeenRecursive     uintptr

	mu        sync.Mutex
	typeCache [cacheRows][cacheCols]typeSlot
}

// typeSlot is one type index's home in a Record's allocator cache: the
// shared ObjectPool to refill from, plus this mutator's own small
// batch of already-drawn addresses (C2's Pool[uintptr]), so an
// allocation that hits in the batch never touches the ObjectPool's
// mutex at all. Grounded on the teacher's per-P mcache holding a
// per-size-class free list refilled from mcentral in RefillBatch-sized
// chunks (mcentral.go's CacheSpan).
type typeSlot struct {
	pool  *alloc.ObjectPool
	batch *page.Pool[uintptr]
}

// NewRecord returns a fresh, in-use Record with its own root tables.
func NewRecord(global *roots.GlobalHeapPools, heapPoolCapacity int) *Record {
	r := &Record{
		StackRoots: roots.NewStackTable(),
		HeapRoots:  roots.NewHeapRoots(global, heapPoolCapacity),
	}
	r.IsUsed.Store(true)
	return r
}

// Pool returns the cached object-pool allocator for typeIndex, or nil
// if this mutator has not allocated that type before.
func (r *Record) Pool(typeIndex uint32) *alloc.ObjectPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typeCache[typeIndex/cacheRows][typeIndex%cacheRows].pool
}

// SetPool installs the object-pool allocator for typeIndex.
func (r *Record) SetPool(typeIndex uint32, p *alloc.ObjectPool) {
	r.mu.Lock()
	r.typeCache[typeIndex/cacheRows][typeIndex%cacheRows].pool = p
	r.mu.Unlock()
}

// TakeCached pops one already-drawn address from this mutator's local
// batch for typeIndex, avoiding the shared ObjectPool's lock on the
// common case. The second return is false if the local batch is
// empty (or was never filled), in which case the caller must refill
// via FillCache.
func (r *Record) TakeCached(typeIndex uint32) (uintptr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := &r.typeCache[typeIndex/cacheRows][typeIndex%cacheRows]
	if slot.batch == nil {
		return 0, false
	}
	return slot.batch.Alloc()
}

// FillCache tops up typeIndex's local batch with freshly-drawn
// addresses, creating the batch on first use.
func (r *Record) FillCache(typeIndex uint32, addrs []uintptr) {
	if len(addrs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := &r.typeCache[typeIndex/cacheRows][typeIndex%cacheRows]
	if slot.batch == nil {
		slot.batch = page.NewPool[uintptr](alloc.RefillBatch)
	}
	slot.batch.Fill(addrs)
}

// EnterAlloc marks that this record is now inside a (possibly
// recursive) allocation at obj, for the collector's stall detector.
func (r *Record) EnterAlloc(obj uintptr) { r.recursiveAllocPointer.Store(obj) }

// ExitAlloc clears the in-progress marker once an allocation completes
// or fails.
func (r *Record) ExitAlloc() { r.recursiveAllocPointer.Store(0) }

// CheckStalled implements spec.md §4.9 step 1's recursive-allocation
// check: if the in-progress pointer is non-zero and unchanged since
// the last cycle's observation, this mutator is presumed mid-recursive
// construction and the caller should skip this cycle for it.
func (r *Record) CheckStalled() bool {
	cur := r.recursiveAllocPointer.Load()
	stalled := cur != 0 && cur == r.lastSeenRecursive
	r.lastSeenRecursive = cur
	return stalled
}

// DrainCounters returns and zeroes this record's live counters, for
// the collector to fold into its global remainder when the record is
// reclaimed.
func (r *Record) DrainCounters() (count, size int64) {
	count = r.AllocCount.Swap(0)
	size = r.AllocSize.Swap(0)
	return count, size
}

// Registry is the process-wide (per-Heap) list of mutator records the
// collector's check_threads step walks. Grounded on the teacher's
// global `allp`/`allm` list walked by the scheduler and stop-the-world
// code, narrowed here to just the bookkeeping the collector needs.
type Registry struct {
	mu      sync.Mutex
	records []*Record
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Add registers r for future check_threads scans.
func (reg *Registry) Add(r *Record) {
	reg.mu.Lock()
	reg.records = append(reg.records, r)
	reg.mu.Unlock()
}

// Sweep removes every record with IsUsed == false, calling drain on
// each before dropping it, and returns the still-live records. This
// realizes spec.md §4.9 step 1's "splice out records with
// is_used=false and drain their counters into _allocated_rest".
func (reg *Registry) Sweep(drain func(*Record)) []*Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	kept := reg.records[:0]
	for _, r := range reg.records {
		if r.IsUsed.Load() {
			kept = append(kept, r)
		} else {
			drain(r)
		}
	}
	reg.records = kept
	out := make([]*Record, len(kept))
	copy(out, kept)
	return out
}

// Snapshot returns every currently-registered record without removing
// any. The collector's mark_stack/mark_roots use the list returned by
// Sweep instead; only tests call Snapshot.
func (reg *Registry) Snapshot() []*Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Record, len(reg.records))
	copy(out, reg.records)
	return out
}
