package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Approval outcome label values.
const (
	OutcomeApproved = "approved"
	OutcomeDenied   = "denied"
	OutcomeTimeout  = "timeout"
	OutcomeShutdown = "shutdown"
	OutcomeError    = "error"
)

// Metrics collects Prometheus metrics for the gateway. A nil *Metrics is
// valid and turns every method into a no-op, so components can treat the
// collector as optional.
type Metrics struct {
	approvalsTotal   *prometheus.CounterVec
	approvalsPending prometheus.Gauge
	queriesRunning   prometheus.Gauge
	queriesTotal     *prometheus.CounterVec
	injectedMessages prometheus.Counter
}

// NewMetrics registers gateway metrics with reg. If reg is nil the default
// registry is used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		approvalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "approval",
			Name:      "settlements_total",
			Help:      "Approval settlements by outcome.",
		}, []string{"outcome"}),
		approvalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "approval",
			Name:      "pending",
			Help:      "Approval requests currently awaiting a decision.",
		}),
		queriesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "runner",
			Name:      "queries_running",
			Help:      "Agent queries currently in flight.",
		}),
		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "runner",
			Name:      "queries_total",
			Help:      "Finished agent queries by outcome.",
		}, []string{"outcome"}),
		injectedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "mux",
			Name:      "injected_messages_total",
			Help:      "Messages injected into an already-running turn.",
		}),
	}
}

// ApprovalCreated tracks a new pending approval.
func (m *Metrics) ApprovalCreated() {
	if m == nil {
		return
	}
	m.approvalsPending.Inc()
}

// ApprovalSettled tracks a settlement with its outcome label.
func (m *Metrics) ApprovalSettled(outcome string) {
	if m == nil {
		return
	}
	m.approvalsPending.Dec()
	m.approvalsTotal.WithLabelValues(outcome).Inc()
}

// QueryStarted tracks a query entering flight.
func (m *Metrics) QueryStarted() {
	if m == nil {
		return
	}
	m.queriesRunning.Inc()
}

// QueryFinished tracks a query leaving flight with its outcome label.
func (m *Metrics) QueryFinished(outcome string) {
	if m == nil {
		return
	}
	m.queriesRunning.Dec()
	m.queriesTotal.WithLabelValues(outcome).Inc()
}

// MessageInjected tracks a mid-turn input injection.
func (m *Metrics) MessageInjected() {
	if m == nil {
		return
	}
	m.injectedMessages.Inc()
}
