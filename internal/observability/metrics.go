package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for tradegate.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Gating decisions.
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec

	// Guardrail and circuit-breaker denials by code.
	DenialsTotal *prometheus.CounterVec

	// Tool execution metrics.
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Policy retrieval metrics.
	RetrievalsTotal   *prometheus.CounterVec
	RetrievalDuration *prometheus.HistogramVec

	// Decision-log write failures.
	LogWriteFailures prometheus.Counter

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Subsystem: "decision",
			Name:      "total",
			Help:      "Total gating decisions by tool and outcome.",
		}, []string{"tool", "outcome"}),

		DecisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tradegate",
			Subsystem: "decision",
			Name:      "duration_seconds",
			Help:      "Full gating pipeline duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		DenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Subsystem: "decision",
			Name:      "denials_total",
			Help:      "Blocked tool calls by denial code.",
		}, []string{"tool", "code"}),

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total tool executions.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tradegate",
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		RetrievalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradegate",
			Subsystem: "retrieval",
			Name:      "total",
			Help:      "Total policy retrievals by result.",
		}, []string{"result"}),

		RetrievalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tradegate",
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Policy retrieval duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"result"}),

		LogWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradegate",
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Decision-log write failures across all sinks.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradegate",
			Name:      "active_requests",
			Help:      "Tool calls currently in flight.",
		}),
	}

	reg.MustRegister(
		m.DecisionsTotal,
		m.DecisionDuration,
		m.DenialsTotal,
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.RetrievalsTotal,
		m.RetrievalDuration,
		m.LogWriteFailures,
		m.ActiveRequests,
	)

	return m
}
