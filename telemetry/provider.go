package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/llm"
)

// TracedProvider wraps an llm.Provider with spans, metrics and redacted logs.
type TracedProvider struct {
	inner   llm.Provider
	metrics *Metrics
	logger  *zap.Logger
}

// WrapProvider instruments inner. metrics and logger may be nil.
func WrapProvider(inner llm.Provider, metrics *Metrics, logger *zap.Logger) *TracedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TracedProvider{inner: inner, metrics: metrics, logger: logger}
}

// Unwrap returns the wrapped provider.
func (p *TracedProvider) Unwrap() llm.Provider { return p.inner }

// Name returns the wrapped provider name.
func (p *TracedProvider) Name() string { return p.inner.Name() }

// Model returns the wrapped model.
func (p *TracedProvider) Model() string { return p.inner.Model() }

func (p *TracedProvider) observe(ctx context.Context, op string, call func(context.Context) (*llm.TokenUsage, error)) error {
	ctx, span := StartSpan(ctx, SpanLLMCall,
		attribute.String(AttrProvider, p.inner.Name()),
		attribute.String(AttrModel, p.inner.Model()),
		attribute.String(AttrOperation, op))
	defer span.End()

	start := time.Now()
	usage, err := call(ctx)
	elapsed := time.Since(start)
	MarkSpanResult(span, err)

	var prompt, completion uint32
	if usage != nil {
		prompt, completion = usage.PromptTokens, usage.CompletionTokens
	}
	p.metrics.RecordLLM(p.inner.Name(), op, elapsed, prompt, completion, err)
	p.logger.Debug("llm call",
		zap.String("provider", p.inner.Name()),
		zap.String("op", op),
		zap.Duration("elapsed", elapsed),
		Err(err))
	return err
}

func (p *TracedProvider) respond(ctx context.Context, op string, call func(context.Context) (llm.LLMResponse, error)) (llm.LLMResponse, error) {
	var resp llm.LLMResponse
	err := p.observe(ctx, op, func(ctx context.Context) (*llm.TokenUsage, error) {
		var err error
		resp, err = call(ctx)
		return resp.Usage, err
	})
	return resp, err
}

// Chat traces a chat call.
func (p *TracedProvider) Chat(ctx context.Context, messages []llm.ChatMessage) (llm.LLMResponse, error) {
	return p.respond(ctx, "chat", func(ctx context.Context) (llm.LLMResponse, error) {
		return p.inner.Chat(ctx, messages)
	})
}

// ChatWithFormat traces a formatted call.
func (p *TracedProvider) ChatWithFormat(ctx context.Context, messages []llm.ChatMessage, format *llm.ResponseFormat) (llm.LLMResponse, error) {
	return p.respond(ctx, "chat_with_format", func(ctx context.Context) (llm.LLMResponse, error) {
		return p.inner.ChatWithFormat(ctx, messages, format)
	})
}

// ChatWithTools traces a tool-calling call.
func (p *TracedProvider) ChatWithTools(ctx context.Context, messages []llm.ChatMessage, tools []llm.ToolDefinition) (llm.LLMResponse, error) {
	return p.respond(ctx, "chat_with_tools", func(ctx context.Context) (llm.LLMResponse, error) {
		return p.inner.ChatWithTools(ctx, messages, tools)
	})
}

// StreamChat traces a stream.
func (p *TracedProvider) StreamChat(ctx context.Context, messages []llm.ChatMessage, chunks chan<- string) (*llm.TokenUsage, error) {
	var usage *llm.TokenUsage
	err := p.observe(ctx, "stream_chat", func(ctx context.Context) (*llm.TokenUsage, error) {
		var err error
		usage, err = p.inner.StreamChat(ctx, messages, chunks)
		return usage, err
	})
	return usage, err
}

// Verify TracedProvider implements llm.Provider
var _ llm.Provider = (*TracedProvider)(nil)
