// Package observability provides Prometheus metrics for the agent runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the centralized metric set for the runtime.
//
// Tracked signals:
//   - model call latency and outcomes per provider/model
//   - tool dispatch counts and latency, including policy denials
//   - loop iterations and terminal states
//   - event bus drops under backpressure
type Metrics struct {
	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool dispatches.
	// Labels: tool, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// LoopIterations observes iterations consumed per run.
	LoopIterations prometheus.Histogram

	// RunsCompleted counts runs by terminal state.
	// Labels: state (completed|cancelled|iteration_limit|error)
	RunsCompleted *prometheus.CounterVec

	// PlanStepDuration measures plan step execution time in seconds.
	// Labels: tool
	PlanStepDuration *prometheus.HistogramVec

	// EventsDropped counts bus events dropped under subscriber backpressure.
	EventsDropped prometheus.Counter
}

// NewMetrics creates and registers the metric set on the given registerer.
// A nil registerer uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "argus",
			Name:      "llm_request_duration_seconds",
			Help:      "Model call latency in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "argus",
			Name:      "llm_requests_total",
			Help:      "Model calls by provider, model and status.",
		}, []string{"provider", "model", "status"}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "argus",
			Name:      "tool_executions_total",
			Help:      "Tool dispatches by tool and status.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "argus",
			Name:      "tool_execution_duration_seconds",
			Help:      "Tool execution time in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		LoopIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "argus",
			Name:      "loop_iterations",
			Help:      "Iterations consumed per agent run.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20},
		}),

		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "argus",
			Name:      "runs_total",
			Help:      "Agent runs by terminal state.",
		}, []string{"state"}),

		PlanStepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "argus",
			Name:      "plan_step_duration_seconds",
			Help:      "Plan step execution time in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "argus",
			Name:      "events_dropped_total",
			Help:      "Bus events dropped under subscriber backpressure.",
		}),
	}
}
