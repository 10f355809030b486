// Package metrics is the broker's observability surface. Collectors hang off
// a dedicated prometheus registry so tests never fight over global state; the
// ops endpoint serves the registry. The alert engine and the health rollup
// live here too.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"metamcp/internal/logging"
	"metamcp/internal/types"
)

const namespace = "metamcp"

// Metrics owns every collector. Callers go through the domain-named methods
// below; nothing outside this package touches prometheus types directly.
type Metrics struct {
	registry *prometheus.Registry

	calls          *prometheus.CounterVec
	callErrors     *prometheus.CounterVec
	optimizations  *prometheus.CounterVec
	roleSwitches   *prometheus.CounterVec
	switchFailures prometheus.Counter
	escalations    *prometheus.CounterVec
	budgetWarnings *prometheus.CounterVec
	tokensUsed     *prometheus.CounterVec

	ledgerUsage    *prometheus.GaugeVec
	serverHealth   *prometheus.GaugeVec
	activeSessions prometheus.Gauge

	callDuration   *prometheus.HistogramVec
	switchDuration prometheus.Histogram
	serverResponse *prometheus.HistogramVec
	tokensPerCall  prometheus.Histogram
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Tool calls admitted by the orchestrator.",
		}, []string{"role", "tool", "method"}),

		callErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_errors_total",
			Help:      "Tool calls that ended in an error, by error kind.",
		}, []string{"tool", "method", "kind"}),

		optimizations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimizations_total",
			Help:      "Rewrite optimizations applied or suggested.",
		}, []string{"tool", "kind"}),

		roleSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_switches_total",
			Help:      "Completed role switches.",
		}, []string{"from", "to"}),

		switchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_switch_failures_total",
			Help:      "Role switches that were denied or aborted.",
		}),

		escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation requests by outcome.",
		}, []string{"role", "key", "outcome"}),

		budgetWarnings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_warnings_total",
			Help:      "Ledger band transitions announced per role and severity.",
		}, []string{"role", "severity"}),

		tokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Tokens consumed by completed tool calls.",
		}, []string{"role", "tool", "method"}),

		ledgerUsage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_usage_ratio",
			Help:      "Used over total budget per session, 0 to 1.",
		}, []string{"session"}),

		serverHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_health",
			Help:      "Per-server health, 1 healthy, 0 unhealthy.",
		}, []string{"server"}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently admitted.",
		}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "End-to-end tool call latency through the orchestrator.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		switchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "role_switch_duration_seconds",
			Help:      "Role switch latency including tool readying.",
			Buckets:   prometheus.DefBuckets,
		}),

		serverResponse: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "server_response_seconds",
			Help:      "Raw transport response time per server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server"}),

		tokensPerCall: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tokens_per_call",
			Help:      "Token consumption distribution across tool calls.",
			Buckets:   prometheus.ExponentialBuckets(50, 2, 12),
		}),
	}
	return m
}

// Registry exposes the underlying registry for the ops /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveCall records one successful tool call.
func (m *Metrics) ObserveCall(role, tool, method string, elapsed time.Duration, tokens int) {
	m.calls.WithLabelValues(role, tool, method).Inc()
	m.tokensUsed.WithLabelValues(role, tool, method).Add(float64(tokens))
	m.callDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
	m.tokensPerCall.Observe(float64(tokens))
}

// CallError records a failed tool call by error kind. Denied and failed
// calls both land here; the kind label separates them.
func (m *Metrics) CallError(tool, method string, kind types.ErrKind) {
	m.callErrors.WithLabelValues(tool, method, string(kind)).Inc()
}

// Optimization counts one rewrite line item.
func (m *Metrics) Optimization(tool string, kind types.OptimizationKind) {
	m.optimizations.WithLabelValues(tool, string(kind)).Inc()
}

// RoleSwitch records a completed switch.
func (m *Metrics) RoleSwitch(from, to string, elapsed time.Duration) {
	m.roleSwitches.WithLabelValues(from, to).Inc()
	m.switchDuration.Observe(elapsed.Seconds())
}

// RoleSwitchFailure counts a denied or aborted switch.
func (m *Metrics) RoleSwitchFailure() { m.switchFailures.Inc() }

// Escalation records an escalation request outcome: granted, pending,
// approved, declined, or expired.
func (m *Metrics) Escalation(role, key, outcome string) {
	m.escalations.WithLabelValues(role, key, outcome).Inc()
}

// BudgetWarning counts one band transition announcement.
func (m *Metrics) BudgetWarning(role, severity string) {
	m.budgetWarnings.WithLabelValues(role, severity).Inc()
}

// SetLedgerUsage publishes a session's used/budget ratio.
func (m *Metrics) SetLedgerUsage(sessionID string, ratio float64) {
	m.ledgerUsage.WithLabelValues(sessionID).Set(ratio)
}

// DropSession removes a closed session's gauge series so the scrape surface
// doesn't accumulate dead sessions.
func (m *Metrics) DropSession(sessionID string) {
	if !m.ledgerUsage.DeleteLabelValues(sessionID) {
		logging.MetricsDebug("no ledger gauge to drop for session %s", sessionID)
	}
}

// SetServerHealth publishes one server's health bit.
func (m *Metrics) SetServerHealth(server string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.serverHealth.WithLabelValues(server).Set(v)
}

// SetActiveSessions publishes the admitted session count.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// ObserveServerResponse records one raw transport round trip.
func (m *Metrics) ObserveServerResponse(server string, elapsed time.Duration) {
	m.serverResponse.WithLabelValues(server).Observe(elapsed.Seconds())
}
