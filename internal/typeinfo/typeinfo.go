// Package typeinfo implements C9: per-type metadata and the
// discovery of tracked-pointer field offsets inside a type.
//
// The design (section 4.6) describes discovery by instrumenting each
// Tracked_ptr constructor to notice when its own address falls inside
// the range of the object currently under construction -- a trick
// that depends on C++ placement-new running field constructors in
// address order. Go has no equivalent constructor-interception point:
// struct literals and field assignment do not invoke per-field
// constructors. This package instead discovers the same information
// with reflection, once per type, which is both simpler and does not
// depend on successful construction to run at all: it scans T's
// fields (recursing into embedded/nested structs, never through
// pointers) for cell.Cell values and records their byte offsets.
// This is documented as the Go-native realization of the design's
// Open Question about offset discovery (see DESIGN.md).
package typeinfo

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/tracedgc/tracedgc/internal/cell"
)

// MaxTypeNumber bounds the number of distinct registered types, per
// the design's tunables table.
const MaxTypeNumber = 64 * 64

// Info is the per-type metadata: destructor, size, and the learned
// pointer-field offsets (the per-page object count lives on each Page).
// It is created once per type and lives for the process's lifetime.
type Info struct {
	// Name identifies the type for logging/metrics; not load-bearing.
	Name string

	// RType is T's reflect.Type, kept so Offsets can (re)discover
	// fields without every call site having to carry it separately.
	RType reflect.Type

	// Size is sizeof(T) in bytes.
	Size uint32

	// TypeIndex is the unique, process-lifetime index assigned to
	// this type on first use, bounded by MaxTypeNumber.
	TypeIndex uint32

	// Destroy runs T's cleanup (Go has no destructors; a type that
	// wants cleanup implements Finalizable and Destroy calls it).
	// nil means "no cleanup required".
	Destroy func(obj uintptr)

	// offsets holds the discovered byte offsets of cell.Cell fields
	// inside one T. It is nil until the first call to Info.Offsets
	// populates it via a single-try CAS, matching the design's
	// publish-once rule: concurrent discoverers race, and all but the
	// winner discard their computed slice.
	offsets atomic.Pointer[[]uintptr]

	// Elem is non-nil for array/slice element metadata: arrays carry
	// their own offsets and stride, discovered once on the element
	// type (design section 4.6, "For arrays, the same procedure is
	// run once on the element type").
	Elem   *Info
	Stride uint32
}

// Offsets returns the learned pointer-field byte offsets for this
// type, computing and publishing them on first call.
func (info *Info) Offsets() []uintptr {
	if p := info.offsets.Load(); p != nil {
		return *p
	}
	discovered := discoverOffsets(info.RType)
	info.offsets.CompareAndSwap(nil, &discovered)
	return *info.offsets.Load()
}

// discoverOffsets walks rt's fields (recursing into nested structs,
// never through pointers) collecting the byte offset of every
// cell.Cell field found.
func discoverOffsets(rt reflect.Type) []uintptr {
	var out []uintptr
	var walk func(t reflect.Type, base uintptr)
	cellType := reflect.TypeOf(cell.Cell{})
	walk = func(t reflect.Type, base uintptr) {
		if t.Kind() != reflect.Struct {
			return
		}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			off := base + f.Offset
			if f.Type == cellType {
				out = append(out, off)
				continue
			}
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type, off)
			}
		}
	}
	if rt.Kind() == reflect.Struct {
		walk(rt, 0)
	}
	return out
}

// Registry maps reflect.Type to its Info, creating it on first use
// (design section 3, "Type metadata is created on first use and lives
// for the process lifetime").
type Registry struct {
	mu      sync.Mutex
	byType  map[reflect.Type]*Info
	nextIdx uint32
}

// NewRegistry returns an empty type registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[reflect.Type]*Info)}
}

// ErrTooManyTypes is returned once MaxTypeNumber distinct types have
// been registered. The design allows turning the fatal assertion into
// an error for implementers that cannot abort their host process.
type ErrTooManyTypes struct{}

func (ErrTooManyTypes) Error() string { return "typeinfo: too many distinct registered types" }

// GetOrCreate returns the Info for rt, building one with size/destroy
// if this is the first time rt has been seen.
func (r *Registry) GetOrCreate(rt reflect.Type, size uint32, destroy func(uintptr)) (*Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.byType[rt]; ok {
		return info, nil
	}
	if r.nextIdx >= MaxTypeNumber {
		return nil, ErrTooManyTypes{}
	}
	info := &Info{
		Name:      rt.String(),
		RType:     rt,
		Size:      size,
		TypeIndex: r.nextIdx,
		Destroy:   destroy,
	}
	r.nextIdx++
	r.byType[rt] = info
	return info, nil
}

// GetOrCreateElem is GetOrCreate for an array's element type: it
// shares the same type table and index space as ordinary types (the
// design does not distinguish the two for MaxTypeNumber purposes).
func (r *Registry) GetOrCreateElem(rt reflect.Type, size uint32, destroy func(uintptr)) (*Info, error) {
	return r.GetOrCreate(rt, size, destroy)
}
