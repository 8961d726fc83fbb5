// Package collector implements C11: the single background goroutine
// that marks and sweeps every registered type's pages. Grounded on
// the sweep-loop shape of
// other_examples/...e59ce5bb_fire1220-annotation-go1.16.14__go-
// go1.16.14-src-runtime-mgcsweep.go.go and the mark-stack/mark-roots
// structure of
// other_examples/...c3929e98_iosetek-coraza-proxy-wasm__internal-gc-
// gc_conservative.go.go.
package collector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tracedgc/tracedgc/internal/mutator"
	"github.com/tracedgc/tracedgc/internal/page"
	"github.com/tracedgc/tracedgc/internal/roots"
	"github.com/tracedgc/tracedgc/internal/typeinfo"
)

// Tunables mirrors spec.md §6's tunable table.
type Tunables struct {
	MaxSleep          time.Duration
	TriggerPercentage int
	MinLiveSize       int64
	MinLiveCount      int64
}

// DefaultTunables matches spec.md's defaults exactly.
func DefaultTunables() Tunables {
	return Tunables{
		MaxSleep:          30 * time.Second,
		TriggerPercentage: 25,
		MinLiveSize:       page.Size,
		MinLiveCount:      512,
	}
}

// typeAllocator is the subset of alloc.ObjectPool / alloc.LargeAllocator
// the collector needs; both already satisfy it.
type typeAllocator interface {
	Pages() []*page.Page
	Reclaim(pg *page.Page) error
	Return(addrs []uintptr)
}

type typeEntry struct {
	info  *typeinfo.Info
	alloc typeAllocator
}

// Collector runs the nine-step main loop of spec.md §4.9 from a single
// goroutine per Heap.
type Collector struct {
	registry   *mutator.Registry
	globalHeap *roots.GlobalHeapPools
	tunables   Tunables
	logger     *zap.Logger
	metrics    *Metrics

	mu    sync.Mutex
	types map[uint32]*typeEntry

	registeredPages page.RegisteredList
	grey            page.GreyStack

	lastAge time.Time

	allocatedRestCount int64
	allocatedRestSize  int64

	liveCount int64
	liveSize  int64

	abort    chan struct{}
	abortted bool
	done     chan struct{}

	cyclesRun int64
}

// New returns a Collector ready to Run. logger/metrics may be nil
// stand-ins supplied by the caller (tracedgc.Heap always supplies
// real, even if no-op, values).
func New(registry *mutator.Registry, globalHeap *roots.GlobalHeapPools, tunables Tunables, logger *zap.Logger, metrics *Metrics) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		registry:   registry,
		globalHeap: globalHeap,
		tunables:   tunables,
		logger:     logger,
		metrics:    metrics,
		types:      make(map[uint32]*typeEntry),
		lastAge:    time.Now(),
		abort:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// RegisterType installs the allocator the collector should scan for
// typeIndex. Called once per type, from Make's first allocation path.
func (c *Collector) RegisterType(typeIndex uint32, info *typeinfo.Info, a typeAllocator) {
	c.mu.Lock()
	c.types[typeIndex] = &typeEntry{info: info, alloc: a}
	c.mu.Unlock()
}

func (c *Collector) typeSnapshot() []*typeEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*typeEntry, 0, len(c.types))
	for _, te := range c.types {
		out = append(out, te)
	}
	return out
}

// Run executes cycles until ctx is cancelled or Abort is called,
// honouring the finalisation protocol (up to 5 more cycles once
// aborted, stopping early once the live set is empty or a final cycle
// other than the first swept nothing).
func (c *Collector) Run(ctx context.Context) {
	defer close(c.done)
	finalCycles := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		swept := c.runCycle()
		c.cyclesRun++
		if c.metrics != nil {
			c.metrics.CyclesTotal.Inc()
			c.metrics.CycleDuration.Observe(time.Since(start).Seconds())
		}
		c.logger.Debug("collector cycle",
			zap.Int64("cycle", c.cyclesRun),
			zap.Int64("live_count", c.liveCount),
			zap.Int64("live_size", c.liveSize),
			zap.Int64("swept_count", swept.count),
			zap.Int64("swept_size", swept.size),
			zap.Duration("duration", time.Since(start)),
		)

		if c.abortted {
			finalCycles++
			if c.liveCount == 0 || (swept.count == 0 && finalCycles > 1) || finalCycles >= 5 {
				return
			}
			continue
		}

		c.sleep(ctx, start)
	}
}

// Abort requests finalisation: spec.md's "global abort flag set when
// the main thread's record is destroyed". Idempotent.
func (c *Collector) Abort() {
	if !c.abortted {
		c.abortted = true
		close(c.abort)
	}
}

// Done reports when Run has returned, for Heap.Shutdown to wait on.
func (c *Collector) Done() <-chan struct{} { return c.done }

// Stats is a point-in-time snapshot of the collector's running
// totals, for callers that don't run a Prometheus scrape loop
// (tests, cmd/tracedgcctl). Safe to call concurrently with Run: the
// fields it reads are only ever written from the collector goroutine
// and plain int64 reads are good enough for a diagnostic snapshot.
type Stats struct {
	LiveCount int64
	LiveSize  int64
	Cycles    int64
}

func (c *Collector) Stats() Stats {
	return Stats{LiveCount: c.liveCount, LiveSize: c.liveSize, Cycles: c.cyclesRun}
}

func (c *Collector) sleep(ctx context.Context, cycleStart time.Time) {
	allocatedCount := c.liveCount // conservative proxy for "allocated since cycle start": see runCycle's check_threads drain
	_ = allocatedCount
	timer := time.NewTimer(c.tunables.MaxSleep)
	defer timer.Stop()

	triggerCount := c.liveCount * int64(c.tunables.TriggerPercentage) / 100
	if triggerCount < c.tunables.MinLiveCount {
		triggerCount = c.tunables.MinLiveCount
	}
	triggerSize := c.liveSize * int64(c.tunables.TriggerPercentage) / 100
	if triggerSize < c.tunables.MinLiveSize {
		triggerSize = c.tunables.MinLiveSize
	}

	poll := 20 * time.Millisecond
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.abort:
			return
		case <-timer.C:
			return
		case <-ticker.C:
			if c.allocatedRestCount >= triggerCount || c.allocatedRestSize >= triggerSize {
				return
			}
		}
	}
}
