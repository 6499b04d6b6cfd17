package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects runtime metrics for turns, model calls, tools, checkpoints,
// sandboxes, and quota decisions.
type Metrics struct {
	// TurnCounter counts turns by outcome.
	// Labels: outcome (done|interrupt|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full-turn latency in seconds.
	TurnDuration prometheus.Histogram

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, source (builtin|mcp|sandbox), status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// CheckpointWrites counts checkpoint saves.
	// Labels: backend (memory|postgres)
	CheckpointWrites *prometheus.CounterVec

	// SandboxSessions tracks live sandbox sessions.
	SandboxSessions prometheus.Gauge

	// SandboxEvictions counts sandbox terminations by reason.
	// Labels: reason
	SandboxEvictions *prometheus.CounterVec

	// QuotaDenials counts quota_exceeded rejections.
	// Labels: capability
	QuotaDenials *prometheus.CounterVec
}

// NewMetrics creates and registers metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_turns_total",
			Help: "Turns processed, by terminal outcome.",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "strand_turn_duration_seconds",
			Help:    "Full turn duration.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),
		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strand_llm_request_duration_seconds",
			Help:    "Model call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),
		LLMRequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_llm_requests_total",
			Help: "Model calls by provider, model, and status.",
		}, []string{"provider", "model", "status"}),
		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_llm_tokens_total",
			Help: "Tokens consumed by provider, model, and direction.",
		}, []string{"provider", "model", "type"}),
		ToolExecutionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_tool_executions_total",
			Help: "Tool invocations by tool, source, and status.",
		}, []string{"tool", "source", "status"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strand_tool_execution_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"tool"}),
		CheckpointWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_checkpoint_writes_total",
			Help: "Checkpoint saves by backend.",
		}, []string{"backend"}),
		SandboxSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strand_sandbox_sessions",
			Help: "Live sandbox sessions.",
		}),
		SandboxEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_sandbox_evictions_total",
			Help: "Sandbox terminations by cleanup reason.",
		}, []string{"reason"}),
		QuotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_quota_denials_total",
			Help: "Requests rejected for exhausted quota.",
		}, []string{"capability"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TurnCounter,
			m.TurnDuration,
			m.LLMRequestDuration,
			m.LLMRequestCounter,
			m.LLMTokensUsed,
			m.ToolExecutionCounter,
			m.ToolExecutionDuration,
			m.CheckpointWrites,
			m.SandboxSessions,
			m.SandboxEvictions,
			m.QuotaDenials,
		)
	}
	return m
}
