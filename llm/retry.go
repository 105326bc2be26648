// Provider middleware: rate-limit retries and request pacing.
//
// Information Hiding:
// - Exponential backoff with jitter hidden behind the Provider interface
// - Token-bucket pacing hidden behind the Provider interface

package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultMaxRetries is the number of retries after a rate-limited call.
const DefaultMaxRetries = 3

// Retrying retries calls that fail with a rate-limit error.
// Streams are not retried because delivered chunks cannot be recalled.
type Retrying struct {
	inner      Provider
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

// RetryOption configures Retrying.
type RetryOption func(*Retrying)

// WithRetryLogger sets the logger.
func WithRetryLogger(l *zap.Logger) RetryOption {
	return func(r *Retrying) { r.logger = l }
}

// WithRetryBackOff overrides the backoff policy.
func WithRetryBackOff(factory func() backoff.BackOff) RetryOption {
	return func(r *Retrying) { r.newBackOff = factory }
}

// NewRetrying wraps inner with up to maxRetries jittered exponential retries.
func NewRetrying(inner Provider, maxRetries int, opts ...RetryOption) *Retrying {
	if maxRetries < 0 {
		maxRetries = 0
	}
	r := &Retrying{
		inner:  inner,
		logger: zap.NewNop(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.RandomizationFactor = 0.5
			b.Multiplier = 2
			b.MaxInterval = 8 * time.Second
			return backoff.WithMaxRetries(b, uint64(maxRetries))
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Unwrap returns the wrapped provider.
func (r *Retrying) Unwrap() Provider { return r.inner }

// Name returns the wrapped provider name.
func (r *Retrying) Name() string { return r.inner.Name() }

// Model returns the wrapped model.
func (r *Retrying) Model() string { return r.inner.Model() }

func (r *Retrying) do(ctx context.Context, op string, call func() (LLMResponse, error)) (LLMResponse, error) {
	var resp LLMResponse
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		resp, err = call()
		if err == nil {
			return nil
		}
		if !IsRateLimited(err) {
			return backoff.Permanent(err)
		}
		r.logger.Warn("llm rate limited, backing off",
			zap.String("provider", r.inner.Name()),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, backoff.WithContext(r.newBackOff(), ctx))
	return resp, err
}

// Chat retries rate-limited chat calls.
func (r *Retrying) Chat(ctx context.Context, messages []ChatMessage) (LLMResponse, error) {
	return r.do(ctx, "chat", func() (LLMResponse, error) { return r.inner.Chat(ctx, messages) })
}

// ChatWithFormat retries rate-limited formatted calls.
func (r *Retrying) ChatWithFormat(ctx context.Context, messages []ChatMessage, format *ResponseFormat) (LLMResponse, error) {
	return r.do(ctx, "chat_with_format", func() (LLMResponse, error) {
		return r.inner.ChatWithFormat(ctx, messages, format)
	})
}

// ChatWithTools retries rate-limited tool calls.
func (r *Retrying) ChatWithTools(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (LLMResponse, error) {
	return r.do(ctx, "chat_with_tools", func() (LLMResponse, error) {
		return r.inner.ChatWithTools(ctx, messages, tools)
	})
}

// StreamChat passes through without retries.
func (r *Retrying) StreamChat(ctx context.Context, messages []ChatMessage, chunks chan<- string) (*TokenUsage, error) {
	return r.inner.StreamChat(ctx, messages, chunks)
}

// RateLimited paces calls to the wrapped provider with a token bucket.
type RateLimited struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond calls per second with the given burst.
// A non-positive rate disables pacing.
func NewRateLimited(inner Provider, perSecond float64, burst int) *RateLimited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

// Unwrap returns the wrapped provider.
func (l *RateLimited) Unwrap() Provider { return l.inner }

// Name returns the wrapped provider name.
func (l *RateLimited) Name() string { return l.inner.Name() }

// Model returns the wrapped model.
func (l *RateLimited) Model() string { return l.inner.Model() }

// Chat waits for a token then calls the provider.
func (l *RateLimited) Chat(ctx context.Context, messages []ChatMessage) (LLMResponse, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return LLMResponse{}, err
	}
	return l.inner.Chat(ctx, messages)
}

// ChatWithFormat waits for a token then calls the provider.
func (l *RateLimited) ChatWithFormat(ctx context.Context, messages []ChatMessage, format *ResponseFormat) (LLMResponse, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return LLMResponse{}, err
	}
	return l.inner.ChatWithFormat(ctx, messages, format)
}

// ChatWithTools waits for a token then calls the provider.
func (l *RateLimited) ChatWithTools(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (LLMResponse, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return LLMResponse{}, err
	}
	return l.inner.ChatWithTools(ctx, messages, tools)
}

// StreamChat waits for a token then streams.
func (l *RateLimited) StreamChat(ctx context.Context, messages []ChatMessage, chunks chan<- string) (*TokenUsage, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.StreamChat(ctx, messages, chunks)
}

// Verify wrappers implement Provider
var (
	_ Provider = (*Retrying)(nil)
	_ Provider = (*RateLimited)(nil)
)
