package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Synthenova/conthunt-sub001/llm"
	"github.com/Synthenova/conthunt-sub001/llm/llmtest"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"email", "mail jane.doe+x@example.co.uk now", "mail [EMAIL] now"},
		{"phone dashes", "call 555-123-4567", "call [PHONE]"},
		{"phone parens", "call (555) 123-4567 today", "call [PHONE] today"},
		{"phone intl", "ring +1 555 123 4567", "ring [PHONE]"},
		{"bearer", "Authorization: Bearer abc.def-ghi", "Authorization: Bearer " + Placeholder},
		{"openai key", "key sk-abcdefghijklmnop1234 leaked", "key " + Placeholder + " leaked"},
		{"assignment", `api_key="hunter2hunter2"`, `api_key="` + Placeholder + `"`},
		{"ref untouched", "viral cooking hacks:V3", "viral cooking hacks:V3"},
		{"date untouched", "2024-01-01 views 1234567", "2024-01-01 views 1234567"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.in))
		})
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "abc...", Preview("  abcdef ", 3))
	assert.Equal(t, "abc", Preview("abc", 10))
	assert.Equal(t, "[EMAIL]", Preview("a@b.io", 0))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordLLM("p", "chat", time.Second, 1, 1, nil)
		m.RecordTool("search", time.Second, errors.New("x"))
		m.RecordQuota("analysis", "allowed")
		m.RecordRows(3)
	})
}

func TestMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewMetrics("test", reg)
	b := NewMetrics("test", reg)

	a.RecordQuota("analysis", "quota_exhausted")
	b.RecordQuota("analysis", "quota_exhausted")
	assert.Equal(t, 2.0, testutil.ToFloat64(a.quotaDecisions.WithLabelValues("analysis", "quota_exhausted")))
}

func TestMetricsStatusLabels(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())
	m.RecordTool("search", time.Millisecond, nil)
	m.RecordTool("search", time.Millisecond, context.DeadlineExceeded)
	m.RecordTool("search", time.Millisecond, context.Canceled)
	m.RecordRows(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("search", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("search", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("search", "cancelled")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.recordedRows))
}

func TestTracedProviderRecordsCalls(t *testing.T) {
	inner := llmtest.New(
		llmtest.Step{Response: llm.LLMResponse{Content: "ok", Usage: &llm.TokenUsage{PromptTokens: 7, CompletionTokens: 3}}},
		llmtest.Fail(errors.New("boom")),
	)
	inner.Schema = true
	m := NewMetrics("test", prometheus.NewRegistry())
	p := WrapProvider(inner, m, nil)

	resp, err := p.Chat(context.Background(), []llm.ChatMessage{llm.UserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)

	_, err = p.ChatWithFormat(context.Background(), nil, llm.NewJSONObjectFormat())
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmCalls.WithLabelValues("scripted", "chat", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmCalls.WithLabelValues("scripted", "chat_with_format", "error")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.llmTokens.WithLabelValues("scripted", "prompt")))
	assert.True(t, llm.SupportsJSONSchema(p))
	assert.Same(t, inner, p.Unwrap())
}
