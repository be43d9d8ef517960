package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the fixed set of Prometheus instruments the reply loop, tool
// dispatcher, and agent manager update as they run — grounded on the
// donor's internal/observability.Metrics shape (CounterVec/HistogramVec
// per concern, registered once via promauto) but scoped to what
// SPEC_FULL.md §5 names: tool-execution latency, compaction frequency,
// and LRU eviction count.
type Metrics struct {
	ToolExecutionDuration *prometheus.HistogramVec
	ToolExecutionCounter  *prometheus.CounterVec
	CompactionCounter     *prometheus.CounterVec
	AgentEvictionCounter  prometheus.Counter
	ProviderRequestDuration *prometheus.HistogramVec
	ProviderRequestCounter  *prometheus.CounterVec
}

// NewMetrics registers and returns the metric set. Call once per process;
// reg is typically prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_tool_execution_duration_seconds",
			Help:    "Tool call latency by tool name and outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool", "outcome"}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_executions_total",
			Help: "Tool calls by tool name and outcome (ok|error|blocked|denied).",
		}, []string{"tool", "outcome"}),
		CompactionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_compactions_total",
			Help: "Context-compaction runs by trigger (threshold|forced) and result.",
		}, []string{"trigger", "result"}),
		AgentEvictionCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_agent_lru_evictions_total",
			Help: "Agents evicted from the bounded session/agent LRU.",
		}),
		ProviderRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_provider_request_duration_seconds",
			Help:    "Provider completion latency by provider and model.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		ProviderRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_provider_requests_total",
			Help: "Provider completions by provider, model, and status.",
		}, []string{"provider", "model", "status"}),
	}
}
