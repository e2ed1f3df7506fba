package viewport

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "plotpurr"
	subsystem = "viewport"
)

// Metrics are the controller's Prometheus collectors.
type Metrics struct {
	FetchesIssued  prometheus.Counter
	FetchesApplied prometheus.Counter
	StaleDiscarded prometheus.Counter
	FetchErrors    prometheus.Counter
	SnapBacks      prometheus.Counter
	CacheWrites    prometheus.Counter
	FetchLatency   prometheus.Histogram
}

// NewMetrics creates the controller collectors.
func NewMetrics() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		FetchesIssued:  counter("fetches_issued_total", "Number of plot fetches issued"),
		FetchesApplied: counter("fetches_applied_total", "Number of plot fetches whose results were applied"),
		StaleDiscarded: counter("stale_responses_total", "Number of fetch results discarded as superseded"),
		FetchErrors:    counter("fetch_errors_total", "Number of plot fetches that failed"),
		SnapBacks:      counter("snap_backs_total", "Number of zoom-outs answered from the overview cache"),
		CacheWrites:    counter("cache_writes_total", "Number of fetches written to the overview cache"),
		FetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fetch_duration_seconds",
			Help:      "Time from issuing a plot fetch to all of its queries completing",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
}

// PrometheusCollectors returns all collectors to register.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FetchesIssued,
		m.FetchesApplied,
		m.StaleDiscarded,
		m.FetchErrors,
		m.SnapBacks,
		m.CacheWrites,
		m.FetchLatency,
	}
}
