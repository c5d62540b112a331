package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and bank ingestion.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	ingested    *prometheus.CounterVec
	suggestions *prometheus.CounterVec
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

// AddIngested records the outcome of an import for the given source (file, api).
func (m *Metrics) AddIngested(source string, inserted, skipped, failed int) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	add := func(outcome string, n int) {
		if n > 0 {
			m.ingested.WithLabelValues(source, outcome).Add(float64(n))
		}
	}
	add("inserted", inserted)
	add("skipped", skipped)
	add("failed", failed)
}

// AddSuggestion counts a produced suggestion by type.
func (m *Metrics) AddSuggestion(suggestionType string) {
	if m == nil || suggestionType == "" {
		return
	}
	m.suggestions.WithLabelValues(suggestionType).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bankrecon_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bankrecon_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bankrecon_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	ingested := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bankrecon_transactions_ingested_total",
		Help: "Bank transaction rows processed by ingestion, by source and outcome.",
	}, []string{"source", "outcome"})
	suggestions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bankrecon_suggestions_total",
		Help: "Suggestions produced by the reconciliation engine, by type.",
	}, []string{"type"})
	registerer.MustRegister(runs, failures, duration, ingested, suggestions)
	return &Metrics{runs: runs, failures: failures, duration: duration, ingested: ingested, suggestions: suggestions}
}
