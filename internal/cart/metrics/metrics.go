package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Shipping estimate outcomes
const (
	ShippingApplied = "applied"
	ShippingStale   = "stale"
	ShippingFailed  = "failed"
	ShippingSkipped = "skipped"
)

// Metrics holds the Prometheus collectors shared by every cart engine
type Metrics struct {
	mutations      *prometheus.CounterVec
	rollbacks      *prometheus.CounterVec
	shipping       *prometheus.CounterVec
	reconcileItems *prometheus.CounterVec
	remoteLatency  *prometheus.HistogramVec
	persistErrors  prometheus.Counter
	activeSessions prometheus.Gauge
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cart_mutations_total",
				Help: "Cart mutations by operation, ownership mode and result",
			},
			[]string{"op", "mode", "result"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cart_rollbacks_total",
				Help: "Optimistic cart changes reverted after a remote failure",
			},
			[]string{"op"},
		),
		shipping: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cart_shipping_estimates_total",
				Help: "Shipping estimates by outcome (applied, stale, failed, skipped)",
			},
			[]string{"result"},
		),
		reconcileItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cart_reconcile_items_total",
				Help: "Guest lines merged into user carts by action and result",
			},
			[]string{"action", "result"},
		),
		remoteLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cart_remote_request_duration_seconds",
				Help:    "Duration of remote cart API calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op", "status"},
		),
		persistErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cart_local_store_errors_total",
				Help: "Failed guest cart writes",
			},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cart_active_sessions",
				Help: "Cart engines currently held in memory",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.mutations,
			m.rollbacks,
			m.shipping,
			m.reconcileItems,
			m.remoteLatency,
			m.persistErrors,
			m.activeSessions,
		)
	}
	return m
}

// Mutation counts one engine mutation
func (m *Metrics) Mutation(op, mode string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mutations.WithLabelValues(op, mode, result).Inc()
}

// Rollback counts a reverted optimistic change
func (m *Metrics) Rollback(op string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(op).Inc()
}

// ShippingEstimate counts one estimator outcome
func (m *Metrics) ShippingEstimate(result string) {
	if m == nil {
		return
	}
	m.shipping.WithLabelValues(result).Inc()
}

// ReconcileItem counts one merged guest line
func (m *Metrics) ReconcileItem(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reconcileItems.WithLabelValues(action, result).Inc()
}

// ObserveRemote records the latency of a remote cart API call
func (m *Metrics) ObserveRemote(op string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.remoteLatency.WithLabelValues(op, strconv.Itoa(status)).Observe(d.Seconds())
}

// PersistFailed counts a failed guest cart write
func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistErrors.Inc()
}

// SessionOpened and SessionClosed track engines held by the session manager
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}
