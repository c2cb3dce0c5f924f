// Package metrics provides Prometheus metrics for sealedlog.
//
// Features:
//   - Counters for enqueued, dropped and failed queue writes
//   - Gauge for queue depth
//   - Counters for sealed and dropped lines and key-export fallbacks
//   - Counters for crash-recovery outcomes
//
// A nil *Metrics is valid and records nothing, so components never need to
// check whether metrics are enabled.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for the queue dropped counter.
const (
	DropFull    = "full"
	DropClosed  = "closed"
	DropEncrypt = "encrypt"
)

// Recovery outcomes.
const (
	RecoveryRecovered = "recovered"
	RecoverySkipped   = "skipped"
	RecoveryFailed    = "failed"
)

// Metrics contains Prometheus collectors for the logging pipeline.
type Metrics struct {
	registry *prometheus.Registry

	queueEnqueued    prometheus.Counter
	queueDropped     *prometheus.CounterVec
	queueWriteErrors prometheus.Counter
	queueDepth       prometheus.Gauge

	cipherLines     *prometheus.CounterVec
	cipherFallbacks prometheus.Counter

	recoveryFiles *prometheus.CounterVec
}

// New creates and registers all collectors under namespace on registry.
// If registry is nil a private registry is created.
func New(namespace string, registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "sealedlog"
	}
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		queueEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total number of items accepted by write queues",
		}),
		queueDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Total number of items dropped by write queues",
		}, []string{"reason"}),
		queueWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "write_errors_total",
			Help:      "Total number of failed writes in queue consumers",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Items waiting in write queues",
		}),

		cipherLines: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cipher",
			Name:      "lines_total",
			Help:      "Lines passed through the envelope cipher by result",
		}, []string{"result"}),
		cipherFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cipher",
			Name:      "fallbacks_total",
			Help:      "Session keys exported without asymmetric sealing",
		}),

		recoveryFiles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "files_total",
			Help:      "Orphaned binary event logs seen during recovery by outcome",
		}, []string{"outcome"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the registry in Prometheus format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Enqueued records an accepted queue item.
func (m *Metrics) Enqueued() {
	if m == nil {
		return
	}
	m.queueEnqueued.Inc()
	m.queueDepth.Inc()
}

// Dequeued records an item leaving a queue.
func (m *Metrics) Dequeued() {
	if m == nil {
		return
	}
	m.queueDepth.Dec()
}

// Dropped records a dropped queue item.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.queueDropped.WithLabelValues(reason).Inc()
}

// WriteError records a failed consumer write.
func (m *Metrics) WriteError() {
	if m == nil {
		return
	}
	m.queueWriteErrors.Inc()
}

// LineSealed records a successfully sealed line.
func (m *Metrics) LineSealed() {
	if m == nil {
		return
	}
	m.cipherLines.WithLabelValues("sealed").Inc()
}

// LineDropped records a line the cipher refused to seal.
func (m *Metrics) LineDropped() {
	if m == nil {
		return
	}
	m.cipherLines.WithLabelValues("dropped").Inc()
}

// Fallback records an unsealed session-key export.
func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.cipherFallbacks.Inc()
}

// Recovery records the outcome for one orphaned binary log.
func (m *Metrics) Recovery(outcome string) {
	if m == nil {
		return
	}
	m.recoveryFiles.WithLabelValues(outcome).Inc()
}
