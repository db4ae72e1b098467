package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Close outcome labels.
const (
	OutcomeClosed   = "closed"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs      *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	closes    *prometheus.CounterVec
	generated prometheus.Counter
	snapshots prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddCloseOutcome counts closures performed by the scheduler.
func (m *Metrics) AddCloseOutcome(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.closes.WithLabelValues(outcome).Add(float64(count))
}

// AddGenerated counts cycles created by the ensure-upcoming policy.
func (m *Metrics) AddGenerated(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.generated.Add(float64(count))
}

// AddSnapshots counts daily snapshots written by maintenance runs.
func (m *Metrics) AddSnapshots(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.snapshots.Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cadence_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	closes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_cycle_closes_total",
		Help: "Cycle closures attempted by the scheduler grouped by outcome.",
	}, []string{"outcome"})
	generated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cadence_cycles_generated_total",
		Help: "Cycles created by the ensure-upcoming policy.",
	})
	snapshots := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cadence_cycle_snapshots_total",
		Help: "Daily cycle snapshots recorded by maintenance runs.",
	})
	registerer.MustRegister(runs, failures, duration, closes, generated, snapshots)
	return &Metrics{runs: runs, failures: failures, duration: duration, closes: closes, generated: generated, snapshots: snapshots}
}
