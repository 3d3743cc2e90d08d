// Package metrics exposes Prometheus instruments for the settlement engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "settleup"

// Result labels for recompute and completion outcomes.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics groups the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	recomputes          *prometheus.CounterVec
	recomputeDuration   prometheus.Histogram
	pendingSettlements  prometheus.Histogram
	integrityWarnings   prometheus.Counter
	completions         *prometheus.CounterVec
	notificationsFailed *prometheus.CounterVec
}

// New registers every instrument on a fresh registry, along with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		recomputes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recomputes_total",
			Help:      "Settlement recomputes by result.",
		}, []string{"result"}),
		recomputeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Time spent recomputing the pending settlements of a group.",
			Buckets:   prometheus.DefBuckets,
		}),
		pendingSettlements: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_pending_settlements",
			Help:      "Pending settlements produced by one recompute.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		integrityWarnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_warnings_total",
			Help:      "Recomputes whose balances did not net to zero.",
		}),
		completions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_completions_total",
			Help:      "Settlement completion attempts by result.",
		}, []string{"result"}),
		notificationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notification hook calls that returned an error or panicked.",
		}, []string{"event"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRecompute records one recompute.
func (m *Metrics) ObserveRecompute(elapsed time.Duration, pending int, err error) {
	if m == nil {
		return
	}
	m.recomputes.WithLabelValues(result(err)).Inc()
	m.recomputeDuration.Observe(elapsed.Seconds())
	if err == nil {
		m.pendingSettlements.Observe(float64(pending))
	}
}

func (m *Metrics) IntegrityWarning() {
	if m == nil {
		return
	}
	m.integrityWarnings.Inc()
}

// ObserveCompletion records one completion attempt.
func (m *Metrics) ObserveCompletion(err error) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) NotificationFailed(event string) {
	if m == nil {
		return
	}
	m.notificationsFailed.WithLabelValues(event).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
