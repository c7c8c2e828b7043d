// Package metrics exposes Prometheus collectors for measurement and the
// job pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Source outcomes.
const (
	OutcomeMeasured   = "measured"
	OutcomeEdge       = "edge"
	OutcomePeakCenter = "peak_center"
	OutcomeError      = "error"
)

// Metrics tracks per-source outcomes, fit latency and pipeline jobs.
// A nil *Metrics records nothing.
type Metrics struct {
	SourcesMeasured *prometheus.CounterVec
	RefineDuration  *prometheus.HistogramVec
	JobsTotal       *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	QueueDepth      prometheus.Gauge
}

// New registers the collectors on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		SourcesMeasured: f.NewCounterVec(prometheus.CounterOpts{
			Name: "astromeas_sources_total",
			Help: "Sources processed by the measurement driver, by algorithm and outcome",
		}, []string{"algorithm", "outcome"}),
		RefineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "astromeas_refine_duration_seconds",
			Help:    "Duration of centroid refinement per source",
			Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"algorithm"}),
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "astromeas_jobs_total",
			Help: "Pipeline jobs finished, by type and status",
		}, []string{"type", "status"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "astromeas_job_duration_seconds",
			Help:    "Duration of pipeline jobs",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "astromeas_queue_depth",
			Help: "Jobs waiting in the pipeline queue",
		}),
	}
}

// ObserveSource counts one source outcome.
func (m *Metrics) ObserveSource(algorithm, outcome string) {
	if m == nil {
		return
	}
	m.SourcesMeasured.WithLabelValues(algorithm, outcome).Inc()
}

// ObserveRefine records a refinement started at start.
func (m *Metrics) ObserveRefine(algorithm string, start time.Time) {
	if m == nil {
		return
	}
	m.RefineDuration.WithLabelValues(algorithm).Observe(time.Since(start).Seconds())
}

// ObserveJob records a finished job.
func (m *Metrics) ObserveJob(jobType string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.JobsTotal.WithLabelValues(jobType, status).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// SetQueueDepth reports the number of queued jobs.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
