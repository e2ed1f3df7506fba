package executor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HealthRecorder receives the outcome of every executor call.
type HealthRecorder interface {
	RecordSuccess()
	RecordFailure(err error)
}

// Metrics holds executor request collectors.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestsLatency *prometheus.HistogramVec
}

const (
	labelSuccess = "success"
	labelError   = "error"
)

// NewMetrics creates the executor collectors.
func NewMetrics() *Metrics {
	const (
		namespace = "plotpurr"
		subsystem = "executor"
	)
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Count of queries sent to the engine",
		}, []string{"result"}),
		RequestsLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Histogram of engine round trip times",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 4, 8),
		}, []string{"result"}),
	}
}

// PrometheusCollectors returns the collectors for registration.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.Requests, m.RequestsLatency}
}

// Instrumented wraps an Executor with metrics and health recording.
type Instrumented struct {
	next    Executor
	metrics *Metrics
	health  HealthRecorder
}

// NewInstrumented decorates next. metrics and health may be nil.
func NewInstrumented(next Executor, metrics *Metrics, health HealthRecorder) *Instrumented {
	return &Instrumented{next: next, metrics: metrics, health: health}
}

// Execute runs the query and records its outcome.
func (i *Instrumented) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := i.next.Execute(ctx, req)

	label := labelSuccess
	if err != nil {
		label = labelError
	}
	if i.metrics != nil {
		i.metrics.Requests.WithLabelValues(label).Inc()
		i.metrics.RequestsLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}
	if i.health != nil {
		if err != nil {
			i.health.RecordFailure(err)
		} else {
			i.health.RecordSuccess()
		}
	}
	return res, err
}
