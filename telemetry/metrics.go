package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the research core collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	llmCalls       *prometheus.CounterVec
	llmLatency     *prometheus.HistogramVec
	llmTokens      *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	toolLatency    *prometheus.HistogramVec
	quotaDecisions *prometheus.CounterVec
	recordedRows   prometheus.Counter
}

// NewMetrics registers collectors under namespace with reg.
// A nil reg uses prometheus.DefaultRegisterer. Registering twice reuses the existing collectors.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "conthunt"
	}
	return &Metrics{
		llmCalls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "calls_total",
			Help: "LLM calls by provider, operation and status.",
		}, []string{"provider", "op", "status"})),
		llmLatency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "llm", Name: "latency_seconds",
			Help:    "LLM call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "op"})),
		llmTokens: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "tokens_total",
			Help: "LLM tokens by provider and kind.",
		}, []string{"provider", "kind"})),
		toolCalls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tool", Name: "calls_total",
			Help: "Agent tool calls by tool and status.",
		}, []string{"tool", "status"})),
		toolLatency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tool", Name: "latency_seconds",
			Help:    "Agent tool latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"})),
		quotaDecisions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "quota", Name: "decisions_total",
			Help: "Quota decisions by resource kind and reason.",
		}, []string{"kind", "reason"})),
		recordedRows: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "criteria", Name: "recorded_rows_total",
			Help: "Justified rows committed to criterion batches.",
		})),
	}
}

// RecordLLM records one provider call.
func (m *Metrics) RecordLLM(provider, op string, d time.Duration, promptTokens, completionTokens uint32, err error) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(provider, op, statusOf(err)).Inc()
	m.llmLatency.WithLabelValues(provider, op).Observe(d.Seconds())
	if promptTokens > 0 {
		m.llmTokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.llmTokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// RecordTool records one agent tool execution.
func (m *Metrics) RecordTool(tool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, statusOf(err)).Inc()
	m.toolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordQuota records one quota decision.
func (m *Metrics) RecordQuota(kind, reason string) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(kind, reason).Inc()
}

// RecordRows adds committed batch rows.
func (m *Metrics) RecordRows(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordedRows.Add(float64(n))
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
