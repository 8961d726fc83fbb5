package tracedgc

import (
	"time"

	"go.uber.org/zap"

	"github.com/tracedgc/tracedgc/internal/collector"
	"github.com/tracedgc/tracedgc/internal/page"
)

// options holds every tunable from spec.md §6's table plus the ambient
// logger/metrics a Heap publishes through.
type options struct {
	maxSleep          time.Duration
	triggerPercentage int
	minLiveSize       int64
	minLiveCount      int64
	maxStackOffset    uintptr
	heapPoolCapacity  int
	logger            *zap.Logger
	metrics           *collector.Metrics
}

func defaultOptions() options {
	def := collector.DefaultTunables()
	return options{
		maxSleep:          def.MaxSleep,
		triggerPercentage: def.TriggerPercentage,
		minLiveSize:       def.MinLiveSize,
		minLiveCount:      def.MinLiveCount,
		maxStackOffset:    page.Size / 4,
		heapPoolCapacity:  256,
	}
}

// Option configures a Heap at construction time.
type Option func(*options)

// WithMaxSleep caps how long the collector goroutine sleeps between
// cycles when nothing triggers it early.
func WithMaxSleep(d time.Duration) Option {
	return func(o *options) { o.maxSleep = d }
}

// WithTriggerPercentage sets the fraction of the prior cycle's live
// set that must be re-allocated before the collector wakes early.
func WithTriggerPercentage(pct int) Option {
	return func(o *options) { o.triggerPercentage = pct }
}

// WithMinLiveSize sets the floor under TriggerPercentage's byte
// threshold, so on a small heap a few allocations are not enough to
// cross it.
func WithMinLiveSize(n int64) Option {
	return func(o *options) { o.minLiveSize = n }
}

// WithMinLiveCount is WithMinLiveSize's object-count counterpart.
func WithMinLiveCount(n int64) Option {
	return func(o *options) { o.minLiveCount = n }
}

// WithMaxStackOffset overrides the byte window Root uses to classify
// a newly registered cell as a stack root versus an external heap
// root (see internal/roots.ClassifyKind).
func WithMaxStackOffset(n uintptr) Option {
	return func(o *options) { o.maxStackOffset = n }
}

// WithHeapPoolCapacity sets the per-subpool capacity of C8's
// heap-roots allocator.
func WithHeapPoolCapacity(n int) Option {
	return func(o *options) { o.heapPoolCapacity = n }
}

// WithLogger overrides the zap.Logger the collector logs cycles
// through. Defaults to zap.NewNop() when unset.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics overrides the Prometheus collector set the engine
// reports through. Defaults to a fresh, unregistered collector.NewMetrics().
func WithMetrics(m *collector.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
