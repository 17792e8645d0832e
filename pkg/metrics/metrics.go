// Package metrics owns the Prometheus collectors for launches, workflow runs,
// and status reconciliation.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orchestra"

// Launch outcomes.
const (
	OutcomeSuccess          = "success"
	OutcomeFailed           = "failed"
	OutcomeProviderNotFound = "provider_not_found"
	OutcomeTimeout          = "timeout"
	OutcomePanic            = "panic"
	OutcomeQueueFull        = "queue_full"
)

// Run queue sources.
const (
	SourceTrigger = "trigger"
	SourceManual  = "manual"
)

// Metrics groups the collectors.
type Metrics struct {
	launches       *prometheus.CounterVec
	launchDuration prometheus.Histogram
	queueDepth     prometheus.Gauge
	runsQueued     *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	malformed      prometheus.Counter
	reconciled     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "launch",
			Name:      "total",
			Help:      "Cluster launches processed by the launch worker, by outcome.",
		}, []string{"outcome"}),
		launchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "launch",
			Name:      "duration_seconds",
			Help:      "Wall time of provider launch calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "launch",
			Name:      "queue_depth",
			Help:      "Launch work items waiting for the worker.",
		}),
		runsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "runs_queued_total",
			Help:      "Workflow runs queued, by source.",
		}, []string{"source"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "runs_finished_total",
			Help:      "Workflow runs that reached a terminal status.",
		}, []string{"status"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "malformed_config_total",
			Help:      "Trigger evaluations that skipped a workflow with malformed config.",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "transitions_total",
			Help:      "Status changes applied by the reconciler, by resulting status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.launches, m.launchDuration, m.queueDepth, m.runsQueued, m.runsFinished, m.malformed, m.reconciled)
	}
	return m
}

// NewRegistry returns a registry carrying the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// LaunchFinished records one processed launch.
func (m *Metrics) LaunchFinished(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(outcome).Inc()
	if took > 0 {
		m.launchDuration.Observe(took.Seconds())
	}
}

// SetQueueDepth records the number of pending launch items.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RunQueued records a queued workflow run.
func (m *Metrics) RunQueued(source string) {
	if m == nil {
		return
	}
	m.runsQueued.WithLabelValues(source).Inc()
}

// RunFinished records a workflow run reaching status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
}

// MalformedConfig records a skipped workflow.
func (m *Metrics) MalformedConfig() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// Reconciled records a status change applied by the reconciler.
func (m *Metrics) Reconciled(status string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(status).Inc()
}
