package storage

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports region allocation counters. A nil *Metrics records
// nothing.
type Metrics struct {
	LiveRegions    prometheus.Gauge
	AllocatedBytes prometheus.Gauge
	Allocations    prometheus.Counter
	Releases       prometheus.Counter
}

// NewMetrics builds the metric set under the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		LiveRegions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "live_regions",
			Help:      "Number of hash table regions currently allocated.",
		}),
		AllocatedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "allocated_bytes",
			Help:      "Total bytes held by live hash table regions.",
		}),
		Allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "region_allocations_total",
			Help:      "Number of regions allocated.",
		}),
		Releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "region_releases_total",
			Help:      "Number of regions released.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.LiveRegions.Describe(ch)
	m.AllocatedBytes.Describe(ch)
	m.Allocations.Describe(ch)
	m.Releases.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.LiveRegions.Collect(ch)
	m.AllocatedBytes.Collect(ch)
	m.Allocations.Collect(ch)
	m.Releases.Collect(ch)
}

func (m *Metrics) recordAllocate(live, bytes int) {
	if m == nil {
		return
	}
	m.Allocations.Inc()
	m.LiveRegions.Set(float64(live))
	m.AllocatedBytes.Set(float64(bytes))
}

func (m *Metrics) recordRelease(live, bytes int) {
	if m == nil {
		return
	}
	m.Releases.Inc()
	m.LiveRegions.Set(float64(live))
	m.AllocatedBytes.Set(float64(bytes))
}
