// Package telemetry exports Prometheus metrics for the indexing pipeline,
// the query path and the maintenance jobs.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webindex"

// Metrics holds all webindex Prometheus collectors
type Metrics struct {
	// Indexing
	JobsProcessed *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec
	ActiveWorkers prometheus.Gauge

	// Queue
	QueueEnqueued *prometheus.CounterVec
	QueueDequeued prometheus.Counter
	QueueDepth    prometheus.Gauge

	// Query
	Queries       *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec

	// Maintenance
	Reaped         *prometheus.CounterVec
	Swept          *prometheus.CounterVec
	MetricsDropped prometheus.Counter
}

// Provider owns the registry the metrics are registered on.
type Provider struct {
	registry *prometheus.Registry
	Metrics  *Metrics
}

// NewProvider registers all metrics on a fresh registry, so tests can
// build as many providers as they like.
func NewProvider() *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Provider{registry: reg, Metrics: initMetrics(reg)}
}

// Handler returns the Prometheus HTTP handler for /metrics endpoint
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

func initMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{}

	m.JobsProcessed = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Indexing job attempts by outcome (succeeded, retry, dead, skipped)",
	}, []string{"outcome"})

	m.PhaseDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "phase_duration_seconds",
		Help:      "Duration of indexing phases",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"phase", "success"})

	m.ActiveWorkers = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workers",
		Help:      "Workers currently processing a job",
	})

	m.QueueEnqueued = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_enqueued_total",
		Help:      "Messages pushed to the job queue (kind: new, retry)",
	}, []string{"kind"})

	m.QueueDequeued = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_dequeued_total",
		Help:      "Messages handed to workers",
	})

	m.QueueDepth = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Ready plus scheduled messages",
	})

	m.Queries = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queries_total",
		Help:      "Search queries by mode and success",
	}, []string{"mode", "success"})

	m.QueryDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_duration_seconds",
		Help:      "End-to-end search latency",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"mode"})

	m.Reaped = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaped_total",
		Help:      "Items declared dead by the reaper (kind: job, crawl)",
	}, []string{"kind"})

	m.Swept = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swept_rows_total",
		Help:      "Rows removed by the retention sweeper",
	}, []string{"table"})

	m.MetricsDropped = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operation_metrics_dropped_total",
		Help:      "Operation metric records dropped because the buffer was full or the write failed",
	})

	return m
}

// All Record* methods are safe on a nil *Provider so callers in tests can
// skip telemetry entirely.

// RecordJob counts one finished job attempt.
func (p *Provider) RecordJob(outcome string) {
	if p == nil {
		return
	}
	p.Metrics.JobsProcessed.WithLabelValues(outcome).Inc()
}

// RecordPhase observes one pipeline phase.
func (p *Provider) RecordPhase(phase string, success bool, d time.Duration) {
	if p == nil {
		return
	}
	p.Metrics.PhaseDuration.WithLabelValues(phase, boolLabel(success)).Observe(d.Seconds())
}

// WorkerBusy moves the active worker gauge by delta.
func (p *Provider) WorkerBusy(delta int) {
	if p == nil {
		return
	}
	p.Metrics.ActiveWorkers.Add(float64(delta))
}

// RecordEnqueue counts a pushed message.
func (p *Provider) RecordEnqueue(kind string) {
	if p == nil {
		return
	}
	p.Metrics.QueueEnqueued.WithLabelValues(kind).Inc()
}

// RecordDequeue counts handed-out messages.
func (p *Provider) RecordDequeue(n int) {
	if p == nil || n == 0 {
		return
	}
	p.Metrics.QueueDequeued.Add(float64(n))
}

// SetQueueDepth sets the current queue depth
func (p *Provider) SetQueueDepth(depth int64) {
	if p == nil {
		return
	}
	p.Metrics.QueueDepth.Set(float64(depth))
}

// RecordQuery counts a search and observes its latency.
func (p *Provider) RecordQuery(mode string, success bool, d time.Duration) {
	if p == nil {
		return
	}
	p.Metrics.Queries.WithLabelValues(mode, boolLabel(success)).Inc()
	p.Metrics.QueryDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordReaped counts reaped jobs or crawls.
func (p *Provider) RecordReaped(kind string, n int) {
	if p == nil || n == 0 {
		return
	}
	p.Metrics.Reaped.WithLabelValues(kind).Add(float64(n))
}

// RecordSwept counts rows deleted from table.
func (p *Provider) RecordSwept(table string, n int64) {
	if p == nil || n == 0 {
		return
	}
	p.Metrics.Swept.WithLabelValues(table).Add(float64(n))
}

// IncrementMetricsDropped counts a dropped operation metric.
func (p *Provider) IncrementMetricsDropped() {
	if p == nil {
		return
	}
	p.Metrics.MetricsDropped.Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
