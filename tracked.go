package tracedgc

import (
	"reflect"
	"unsafe"

	"github.com/tracedgc/tracedgc/internal/cell"
	"github.com/tracedgc/tracedgc/internal/page"
	"github.com/tracedgc/tracedgc/internal/roots"
	"github.com/tracedgc/tracedgc/internal/typeinfo"
)

// Tracked is a storage slot for a managed pointer, modelled on
// sync/atomic.Pointer[T]: a struct field of type Tracked[U] inside
// another managed object is discovered and traced automatically
// (internal/typeinfo finds the embedded cell.Cell by reflection); a
// Tracked value that is not itself inside managed memory (a local
// variable, or a field of ordinary unmanaged Go memory) must call
// Root once so the collector can find it too.
type Tracked[T any] struct {
	c cell.Cell
}

// Finalizable is implemented by a type whose managed instances need
// cleanup when the collector sweeps them. Go has no destructors, so
// this is the realization of spec.md §7's "destroy" callback:
// Finalize runs once, from the collector goroutine, after the slot's
// tracked-pointer fields have already been nulled, and never runs for
// a slot that ended up BadAlloc.
type Finalizable interface {
	Finalize()
}

var finalizableType = reflect.TypeOf((*Finalizable)(nil)).Elem()

// Make allocates a zeroed T from h, runs ctor on it if non-nil, and
// returns a raw pointer into managed memory. Per spec.md §7, a panic
// inside ctor marks the slot BadAlloc (excluded from sweep and leaked
// forever, by specification) and repropagates to the caller.
func Make[T any](h *Heap, ctor func(*T)) (*T, error) {
	var zero T
	rt := reflect.TypeOf(zero)

	var destroy func(uintptr)
	if reflect.PointerTo(rt).Implements(finalizableType) {
		destroy = func(addr uintptr) {
			(*T)(unsafe.Pointer(addr)).Finalize()
		}
	}

	info, err := h.types.GetOrCreate(rt, uint32(unsafe.Sizeof(zero)), destroy)
	if err != nil {
		return nil, err
	}

	addr, rec, err := h.alloc(info, info.Size)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		defer h.releaseRecord(rec)
	}
	obj := (*T)(unsafe.Pointer(addr))
	*obj = zero

	if ctor != nil {
		if rec != nil {
			rec.EnterAlloc(addr)
			defer rec.ExitAlloc()
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					page.SetState(addr, page.StateBadAlloc)
					if h.metrics != nil {
						h.metrics.BadAllocTotal.Inc()
					}
					panic(r)
				}
			}()
			ctor(obj)
		}()
	}

	page.SetState(addr, page.StateUsed)
	return obj, nil
}

// MetadataOf fetches T's type-info record from h, registering T on
// first use if it has never been allocated before (spec.md §6's
// `metadata_of`).
func MetadataOf[T any](h *Heap) (*typeinfo.Info, error) {
	var zero T
	return h.types.GetOrCreate(reflect.TypeOf(zero), uint32(unsafe.Sizeof(zero)), nil)
}

// BaseAddressOf finds the enclosing managed object's address for any
// pointer into it, the safe-downcast primitive of spec.md §6's
// `base_address_of`.
func BaseAddressOf[T any](p *T) uintptr {
	if p == nil {
		return 0
	}
	return page.BaseAddressOf(uintptr(unsafe.Pointer(p)))
}

// IsNil reports whether t currently holds a null pointer.
func (t *Tracked[T]) IsNil() bool { return t.c.Load() == 0 }

// Load is the ordinary relaxed read (spec.md §4.8's `load`).
func (t *Tracked[T]) Load() *T {
	return (*T)(unsafe.Pointer(t.c.Load()))
}

// LoadAtomic is the acquire read that additionally raises the
// returned target's state to AtomicReachable (spec.md §4.8's
// `load_atomic`), used when the loaded pointer will itself be handed
// to another thread without going through a further tracked store.
func (t *Tracked[T]) LoadAtomic() *T {
	addr := t.c.LoadAcquire()
	if addr != 0 {
		page.SetState(addr, page.StateAtomicReachable)
	}
	return (*T)(unsafe.Pointer(addr))
}

// Store is the ordinary tracked-pointer store: write the address and
// raise the pointed-to slot's state into the reachable band, the
// write "hint" of spec.md §4.8 that substitutes for a classical write
// barrier.
func (t *Tracked[T]) Store(v *T) {
	addr := uintptr(unsafe.Pointer(v))
	t.c.Store(addr)
	if addr != 0 {
		page.SetState(addr, page.StateReachableHigh)
	}
}

// StoreAtomic is Store's atomic counterpart: the target is raised to
// AtomicReachable, the top of the reachable band, so it survives at
// least one full mark pass (spec.md §4.8's `store_atomic`).
func (t *Tracked[T]) StoreAtomic(v *T) {
	addr := uintptr(unsafe.Pointer(v))
	t.c.Store(addr)
	if addr != 0 {
		page.SetState(addr, page.StateAtomicReachable)
	}
}

// Exchange atomically swaps in v and returns the previous value
// (spec.md §4.8's `exchange`), raising both the new and the previous
// target to AtomicReachable.
func (t *Tracked[T]) Exchange(v *T) *T {
	addr := uintptr(unsafe.Pointer(v))
	old := t.c.Exchange(addr)
	if addr != 0 {
		page.SetState(addr, page.StateAtomicReachable)
	}
	if old != 0 {
		page.SetState(old, page.StateAtomicReachable)
	}
	return (*T)(unsafe.Pointer(old))
}

// CompareAndSwap is spec.md §4.8's `compare_exchange`. On success both
// the new and the replaced target are raised to AtomicReachable.
func (t *Tracked[T]) CompareAndSwap(old, new *T) bool {
	ok := t.c.CompareAndSwap(uintptr(unsafe.Pointer(old)), uintptr(unsafe.Pointer(new)))
	if ok && new != nil {
		page.SetState(uintptr(unsafe.Pointer(new)), page.StateAtomicReachable)
	}
	if ok && old != nil {
		page.SetState(uintptr(unsafe.Pointer(old)), page.StateAtomicReachable)
	}
	return ok
}

// Root registers t as a collector root (spec.md §6's
// `register_tracked_pointer`): call once for any Tracked value that is
// not itself a field inside another managed object. The returned func
// is `unregister_tracked_pointer`; call it once, typically via defer,
// when the root goes out of scope.
func (t *Tracked[T]) Root(h *Heap) func() {
	return registerRoot(h, &t.c)
}

// TrackedArray is MakeArray's handle: a Tracked-shaped cell plus the
// element count, since a raw address alone cannot recover a slice's
// length the way page.Type.Stride recovers an object's field layout.
type TrackedArray[T any] struct {
	c      cell.Cell
	length int
}

// MakeArray allocates a managed array of n T values, zeroed, and
// returns a handle to it (spec.md §4.6's "for arrays, the offset
// procedure runs once on the element type").
func MakeArray[T any](h *Heap, n int) (TrackedArray[T], error) {
	if n <= 0 {
		return TrackedArray[T]{}, errorsNewArraySize
	}
	var zero T
	elemSize := uint32(unsafe.Sizeof(zero))
	elemInfo, err := h.types.GetOrCreateElem(reflect.TypeOf(zero), elemSize, nil)
	if err != nil {
		return TrackedArray[T]{}, err
	}

	addr, err := h.allocArray(elemInfo, n, elemSize)
	if err != nil {
		return TrackedArray[T]{}, err
	}
	mem := unsafe.Slice((*T)(unsafe.Pointer(addr)), n)
	for i := range mem {
		mem[i] = zero
	}
	page.SetState(addr, page.StateUsed)

	var t TrackedArray[T]
	t.c.Store(addr)
	t.length = n
	return t, nil
}

// Slice returns the underlying []T, or nil if the array was never
// successfully allocated.
func (a *TrackedArray[T]) Slice() []T {
	addr := a.c.Load()
	if addr == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(addr)), a.length)
}

// Len returns the array's fixed element count.
func (a *TrackedArray[T]) Len() int { return a.length }

// Root registers a as a collector root, the array counterpart of
// Tracked.Root.
func (a *TrackedArray[T]) Root(h *Heap) func() {
	return registerRoot(h, &a.c)
}

// registerRoot classifies c by address proximity to the calling
// frame's stack (internal/roots.ClassifyKindWithOffset) and registers
// it in whichever root table matches, returning a release func.
func registerRoot(h *Heap, c *cell.Cell) func() {
	var probe byte
	probeAddr := uintptr(unsafe.Pointer(&probe))
	cellAddr := uintptr(unsafe.Pointer(c))
	kind := roots.ClassifyKindWithOffset(cellAddr, probeAddr, h.opts.maxStackOffset)
	c.SetKind(kind)

	rec := h.acquireRecord()
	if kind == cell.KindStack {
		handle := rec.StackRoots.Register(c)
		return func() {
			rec.StackRoots.Unregister(handle)
			h.releaseRecord(rec)
		}
	}
	rec.HeapRoots.Register(c)
	return func() { h.releaseRecord(rec) }
}
