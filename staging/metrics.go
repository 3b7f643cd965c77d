package staging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "webgis_staging_"

// Операции для счётчика сбоев.
const (
	OpStage   = "stage"
	OpPromote = "promote"
	OpDiscard = "discard"
	OpEvict   = "evict"
)

type engineMetrics struct {
	transitions  *prometheus.CounterVec
	failures     *prometheus.CounterVec
	pendingGauge prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	return &engineMetrics{
		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: metricsPrefix + "transitions_total",
				Help: "Total number of staged upload transitions by resulting state.",
			},
			[]string{"state"},
		),
		failures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: metricsPrefix + "failures_total",
				Help: "Total number of failed staging operations by operation.",
			},
			[]string{"operation"},
		),
		pendingGauge: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: metricsPrefix + "pending_uploads",
				Help: "Number of staged uploads waiting for promotion.",
			},
		),
	}
}

func recordTransition(m *engineMetrics, state State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state.String()).Inc()
	if state == StatePending {
		m.pendingGauge.Inc()
		return
	}
	m.pendingGauge.Dec()
}

func recordFailure(m *engineMetrics, op string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(op).Inc()
}
