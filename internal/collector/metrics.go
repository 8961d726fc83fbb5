package collector

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus collector the engine publishes,
// grounded on talyz-systemd_exporter's pattern of a struct of
// pre-registered collectors passed around rather than touching the
// default global registry from inside library code.
type Metrics struct {
	LiveObjects     prometheus.Gauge
	LiveBytes       prometheus.Gauge
	CyclesTotal     prometheus.Counter
	SweptObjects    prometheus.Counter
	SweptBytes      prometheus.Counter
	CycleDuration   prometheus.Histogram
	BlocksReturned  prometheus.Counter
	BadAllocTotal   prometheus.Counter
}

// NewMetrics builds a fresh Metrics set. The caller registers it with
// whatever prometheus.Registerer it wants (see tracedgc.Heap.Metrics
// and cmd/tracedgcctl, which optionally serves it over /metrics).
func NewMetrics() *Metrics {
	return &Metrics{
		LiveObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracedgc_live_objects", Help: "Objects currently live after the last completed cycle.",
		}),
		LiveBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracedgc_live_bytes", Help: "Bytes currently live after the last completed cycle.",
		}),
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracedgc_cycles_total", Help: "Collector cycles run.",
		}),
		SweptObjects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracedgc_swept_objects_total", Help: "Objects destroyed by remove_garbage across all cycles.",
		}),
		SweptBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracedgc_swept_bytes_total", Help: "Bytes reclaimed by remove_garbage across all cycles.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "tracedgc_cycle_duration_seconds", Help: "Wall-clock duration of one collector cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		BlocksReturned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracedgc_blocks_returned_total", Help: "Blocks (15 pages each) returned to the OS.",
		}),
		BadAllocTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracedgc_bad_alloc_total", Help: "Constructors that panicked, leaving their slot BadAlloc, plus failed large-object and array mappings.",
		}),
	}
}

// Collectors returns every metric as a prometheus.Collector, for bulk
// registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.LiveObjects, m.LiveBytes, m.CyclesTotal, m.SweptObjects,
		m.SweptBytes, m.CycleDuration, m.BlocksReturned, m.BadAllocTotal,
	}
}
