package tracedgc

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tracedgc/tracedgc/internal/collector"
)

// Metrics is the Prometheus collector set a Heap publishes through.
// The gauges/counters themselves live in internal/collector (see
// DESIGN.md for why: collector needs to update them from inside the
// mark/sweep loop, and tracedgc importing collector while collector
// imported tracedgc's type would cycle). This alias keeps the name
// spec.md's expansion calls for reachable from the package a caller
// actually imports.
type Metrics = collector.Metrics

// NewMetrics builds a fresh, unregistered Metrics set.
func NewMetrics() *Metrics { return collector.NewMetrics() }

// RegisterMetrics registers every metric in m with reg, a convenience
// for cmd/tracedgcctl and any other host wiring up a
// prometheus.Registerer.
func RegisterMetrics(reg prometheus.Registerer, m *Metrics) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
