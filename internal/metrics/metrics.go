// Package metrics holds the Prometheus collectors for the engine and the
// session layer. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the isokb collectors.
//
// Metrics:
//   - isokb_engine_ops_total{op,result} - engine primitives executed
//   - isokb_engine_op_duration_seconds{op} - time spent holding the engine
//   - isokb_engine_wait_seconds - time spent waiting for the engine
//   - isokb_engine_facts - asserted facts across all namespaces
//   - isokb_sessions_live - sessions not yet disposed
//   - isokb_sessions_created_total - sessions created
//   - isokb_sessions_disposed_total{cause} - sessions disposed
//   - isokb_namespaces_leaked - namespaces whose erasure failed
type Metrics struct {
	EngineOps        *prometheus.CounterVec
	EngineOpDuration *prometheus.HistogramVec
	EngineWait       prometheus.Histogram
	EngineFacts      prometheus.Gauge

	SessionsLive     prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsDisposed *prometheus.CounterVec
	NamespacesLeaked prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EngineOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "isokb_engine_ops_total",
				Help: "Engine primitives executed, by operation and result",
			},
			[]string{"op", "result"},
		),
		EngineOpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "isokb_engine_op_duration_seconds",
				Help:    "Time spent holding the engine per primitive",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"op"},
		),
		EngineWait: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "isokb_engine_wait_seconds",
				Help:    "Time spent waiting for exclusive engine access",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
		),
		EngineFacts: f.NewGauge(prometheus.GaugeOpts{
			Name: "isokb_engine_facts",
			Help: "Asserted facts held across all namespaces",
		}),
		SessionsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "isokb_sessions_live",
			Help: "Sessions that have not been disposed",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "isokb_sessions_created_total",
			Help: "Sessions created",
		}),
		SessionsDisposed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "isokb_sessions_disposed_total",
				Help: "Sessions disposed, by cause",
			},
			[]string{"cause"}, // "explicit", "reclaimed", "gc", "shutdown", "leak_reclaim"
		),
		NamespacesLeaked: f.NewGauge(prometheus.GaugeOpts{
			Name: "isokb_namespaces_leaked",
			Help: "Namespaces whose erasure failed and await reclaim",
		}),
	}
}

// ObserveOp records one engine primitive.
func (m *Metrics) ObserveOp(op string, err error, held time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EngineOps.WithLabelValues(op, result).Inc()
	m.EngineOpDuration.WithLabelValues(op).Observe(held.Seconds())
}

// ObserveWait records time spent queued for the engine.
func (m *Metrics) ObserveWait(d time.Duration) {
	if m == nil {
		return
	}
	m.EngineWait.Observe(d.Seconds())
}

// SetFacts records the asserted fact count.
func (m *Metrics) SetFacts(n int) {
	if m == nil {
		return
	}
	m.EngineFacts.Set(float64(n))
}

// SessionCreated records a new session.
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsLive.Inc()
}

// SessionDisposed records a completed disposal.
func (m *Metrics) SessionDisposed(cause string) {
	if m == nil {
		return
	}
	m.SessionsDisposed.WithLabelValues(cause).Inc()
	m.SessionsLive.Dec()
}

// SetLeaked records the number of leaked namespaces.
func (m *Metrics) SetLeaked(n int) {
	if m == nil {
		return
	}
	m.NamespacesLeaked.Set(float64(n))
}
