package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the worker pool's prometheus instruments.
type Metrics struct {
	JobsProcessed *prometheus.CounterVec
	JobDuration   prometheus.Histogram
}

// NewMetrics builds and registers the worker metrics. Pass a fresh registry
// in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semantica_jobs_processed_total",
			Help: "Jobs reaching a terminal state, labelled by that state.",
		}, []string{"state"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "semantica_job_duration_seconds",
			Help:    "Execution duration of job attempts.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.JobsProcessed, m.JobDuration)
	}
	return m
}
