// Package tracedgc is the public surface over the internal
// allocator/collector machinery: Heap, Make/MakeArray, Tracked[T], and
// the base_address_of/metadata_of lookups spec.md §6 calls for.
package tracedgc

import (
	"context"
	"reflect"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tracedgc/tracedgc/internal/alloc"
	"github.com/tracedgc/tracedgc/internal/collector"
	"github.com/tracedgc/tracedgc/internal/mutator"
	"github.com/tracedgc/tracedgc/internal/page"
	"github.com/tracedgc/tracedgc/internal/roots"
	"github.com/tracedgc/tracedgc/internal/typeinfo"
)

// Heap is one independent managed-memory arena: its own block
// allocator, type table, mutator-record pool and background collector
// goroutine. Most programs need exactly one, created at startup.
type Heap struct {
	opts options

	types      *typeinfo.Registry
	blocks     *page.BlockAllocator
	mutators   *mutator.Registry
	globalHeap *roots.GlobalHeapPools
	collector  *collector.Collector
	metrics    *collector.Metrics
	logger     *zap.Logger

	records sync.Pool

	poolsMu     sync.Mutex
	objPools    map[uint32]*alloc.ObjectPool
	largeAllocs map[uint32]*alloc.LargeAllocator
	arrTypes    map[reflect.Type]*typeinfo.Info

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHeap builds a Heap and starts its collector goroutine running in
// the background. Call Shutdown when done, typically via defer.
func NewHeap(opts ...Option) *Heap {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = collector.NewMetrics()
	}

	h := &Heap{
		opts:        o,
		types:       typeinfo.NewRegistry(),
		blocks:      page.NewBlockAllocator(),
		mutators:    mutator.NewRegistry(),
		globalHeap:  roots.NewGlobalHeapPools(),
		metrics:     o.metrics,
		logger:      o.logger,
		objPools:    make(map[uint32]*alloc.ObjectPool),
		largeAllocs: make(map[uint32]*alloc.LargeAllocator),
		arrTypes:    make(map[reflect.Type]*typeinfo.Info),
	}
	h.records.New = func() any {
		r := mutator.NewRecord(h.globalHeap, h.opts.heapPoolCapacity)
		h.mutators.Add(r)
		return r
	}

	tunables := collector.Tunables{
		MaxSleep:          o.maxSleep,
		TriggerPercentage: o.triggerPercentage,
		MinLiveSize:       o.minLiveSize,
		MinLiveCount:      o.minLiveCount,
	}
	h.collector = collector.New(h.mutators, h.globalHeap, tunables, h.logger, h.metrics)

	h.ctx, h.cancel = context.WithCancel(context.Background())
	go h.collector.Run(h.ctx)
	return h
}

// Metrics returns the Prometheus collector set this Heap publishes
// through, for the caller to register with whatever prometheus.Registerer
// it wants (cmd/tracedgcctl optionally serves it over /metrics).
func (h *Heap) Metrics() *collector.Metrics { return h.metrics }

// Shutdown requests finalisation (spec.md §6's "persists until main
// thread exits; then runs up to 5 finalisation cycles and stops") and
// waits for the collector goroutine to return, or for ctx to expire
// first.
func (h *Heap) Shutdown(ctx context.Context) error {
	h.collector.Abort()
	select {
	case <-h.collector.Done():
		return nil
	case <-ctx.Done():
		h.cancel()
		return ctx.Err()
	}
}

// Stats is a plain-struct snapshot of the collector's running totals,
// for callers that don't run a Prometheus scrape loop (spec.md §9
// expansion: see SPEC_FULL.md's Supplemented Features).
type Stats = collector.Stats

// Stats returns the collector's current live-set snapshot.
func (h *Heap) Stats() Stats { return h.collector.Stats() }

func (h *Heap) acquireRecord() *mutator.Record {
	r := h.records.Get().(*mutator.Record)
	r.IsUsed.Store(true)
	return r
}

func (h *Heap) releaseRecord(r *mutator.Record) {
	h.records.Put(r)
}

// alloc claims one slot for a scalar type (Make zeroes it afterwards),
// routing to the large-object path at or above alloc.LargeThreshold, and
// lazily registers the owning type's allocator with the collector.
// The returned record is non-nil only for the pooled (small-object)
// path, so the caller can bracket its constructor call with
// EnterAlloc/ExitAlloc for the recursive-allocation stall detector
// (spec.md §4.9 step 1) and must release it once done.
func (h *Heap) alloc(info *typeinfo.Info, size uint32) (uintptr, *mutator.Record, error) {
	if size >= alloc.LargeThreshold {
		addr, err := h.allocLarge(info, size)
		return addr, nil, err
	}

	rec := h.acquireRecord()

	pool := rec.Pool(info.TypeIndex)
	if pool == nil {
		pool = h.objectPoolFor(info, size)
		rec.SetPool(info.TypeIndex, pool)
	}

	addr, ok := rec.TakeCached(info.TypeIndex)
	if !ok {
		addrs, err := pool.Refill(alloc.RefillBatch)
		if err != nil {
			h.releaseRecord(rec)
			return 0, nil, errors.Wrap(err, "tracedgc: allocate")
		}
		addr = addrs[len(addrs)-1]
		rec.FillCache(info.TypeIndex, addrs[:len(addrs)-1])
	}

	rec.AllocCount.Add(1)
	rec.AllocSize.Add(int64(size))
	page.SetState(addr, page.StateReserved)
	return addr, rec, nil
}

func (h *Heap) objectPoolFor(info *typeinfo.Info, size uint32) *alloc.ObjectPool {
	h.poolsMu.Lock()
	defer h.poolsMu.Unlock()
	if p, ok := h.objPools[info.TypeIndex]; ok {
		return p
	}
	p := alloc.NewObjectPool(info, size, h.blocks)
	h.objPools[info.TypeIndex] = p
	h.collector.RegisterType(info.TypeIndex, info, p)
	return p
}

func (h *Heap) allocLarge(info *typeinfo.Info, size uint32) (uintptr, error) {
	h.poolsMu.Lock()
	la, ok := h.largeAllocs[info.TypeIndex]
	if !ok {
		la = alloc.NewLargeAllocator(info)
		h.largeAllocs[info.TypeIndex] = la
		h.collector.RegisterType(info.TypeIndex, info, la)
	}
	h.poolsMu.Unlock()

	pg, err := la.Alloc(size)
	if err != nil {
		if h.metrics != nil {
			h.metrics.BadAllocTotal.Inc()
		}
		return 0, errors.Wrap(err, "tracedgc: allocate large object")
	}
	page.SetState(pg.Data(), page.StateReserved)
	return pg.Data(), nil
}

// allocArray claims a dedicated mapping sized for n elemInfo-typed
// elements, sharing one LargeAllocator (and one synthetic array type
// index, offset past typeinfo.MaxTypeNumber so it never collides with
// a scalar type's index) across every array length of this element
// type. Arrays always go through the large-object path: per-length
// object-pool sharing would need one ObjectPool per distinct n, which
// is not worth the bookkeeping for what is already an uncommon
// allocation shape.
func (h *Heap) allocArray(elemInfo *typeinfo.Info, n int, elemSize uint32) (uintptr, error) {
	h.poolsMu.Lock()
	arrInfo, ok := h.arrTypes[elemInfo.RType]
	if !ok {
		arrInfo = &typeinfo.Info{
			Name:      "[]" + elemInfo.Name,
			RType:     elemInfo.RType,
			TypeIndex: typeinfo.MaxTypeNumber + uint32(len(h.arrTypes)),
			Elem:      elemInfo,
			Stride:    elemSize,
		}
		h.arrTypes[elemInfo.RType] = arrInfo
	}
	la, ok := h.largeAllocs[arrInfo.TypeIndex]
	if !ok {
		la = alloc.NewLargeAllocator(arrInfo)
		h.largeAllocs[arrInfo.TypeIndex] = la
		h.collector.RegisterType(arrInfo.TypeIndex, arrInfo, la)
	}
	h.poolsMu.Unlock()

	pg, err := la.Alloc(elemSize * uint32(n))
	if err != nil {
		if h.metrics != nil {
			h.metrics.BadAllocTotal.Inc()
		}
		return 0, errors.Wrap(err, "tracedgc: allocate tracked array")
	}
	page.SetState(pg.Data(), page.StateReserved)
	return pg.Data(), nil
}
