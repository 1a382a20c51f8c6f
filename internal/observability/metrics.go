package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the server's Prometheus metrics.
//
// Tracked concerns:
//   - Generation pipeline runs and latency
//   - LLM token consumption
//   - Tool execution counts and latency
//   - Librarian analysis runs
//   - HTTP request latency
type Metrics struct {
	// GenerationCounter counts pipeline runs.
	// Labels: mode (generate|regenerate|refine), status (success|error)
	GenerationCounter *prometheus.CounterVec

	// GenerationDuration measures end-to-end pipeline latency in seconds.
	// Labels: mode
	GenerationDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// LibrarianRunCounter counts librarian analysis runs.
	// Labels: status (success|error|superseded)
	LibrarianRunCounter *prometheus.CounterVec

	// ActiveAgents is a gauge of currently registered active agents.
	ActiveAgents prometheus.Gauge

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics set registered on a private registry, so
// parallel tests never collide on the default global registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		GenerationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fable_generations_total",
			Help: "Total generation pipeline runs by mode and status.",
		}, []string{"mode", "status"}),
		GenerationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fable_generation_duration_seconds",
			Help:    "End-to-end generation latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"mode"}),
		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fable_llm_tokens_total",
			Help: "LLM tokens consumed by provider, model, and type.",
		}, []string{"provider", "model", "type"}),
		ToolExecutionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fable_tool_executions_total",
			Help: "Tool invocations by name and status.",
		}, []string{"tool_name", "status"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fable_tool_execution_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"tool_name"}),
		LibrarianRunCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fable_librarian_runs_total",
			Help: "Librarian analysis runs by status.",
		}, []string{"status"}),
		ActiveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fable_active_agents",
			Help: "Currently registered active agents.",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fable_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status_code"}),
		registry: reg,
	}

	factory.MustRegister(
		m.GenerationCounter,
		m.GenerationDuration,
		m.LLMTokensUsed,
		m.ToolExecutionCounter,
		m.ToolExecutionDuration,
		m.LibrarianRunCounter,
		m.ActiveAgents,
		m.HTTPRequestDuration,
	)

	return m
}

// Registry returns the underlying Prometheus registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
