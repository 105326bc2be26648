// Tool Executor with Retry Logic.
//
// Information Hiding:
// - Retry strategy implementation hidden
// - Backoff algorithm hidden
// - Error classification logic hidden

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/objstore"
	"github.com/Synthenova/conthunt-sub001/platform"
	"github.com/Synthenova/conthunt-sub001/telemetry"
)

// Executor provides tool execution with retry and timeout support.
// Only transient failures are retried: store unavailability, platform
// timeouts and upstream errors. Everything else returns on the first attempt.
type Executor struct {
	config     ToolConfig
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	newBackOff func() backoff.BackOff
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorMetrics sets the metrics sink.
func WithExecutorMetrics(m *telemetry.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithExecutorBackOff overrides the retry policy.
func WithExecutorBackOff(factory func() backoff.BackOff) ExecutorOption {
	return func(e *Executor) { e.newBackOff = factory }
}

// NewExecutor creates a new tool executor with the given configuration.
func NewExecutor(config ToolConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{
		config: config,
		logger: zap.NewNop(),
	}
	e.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		return backoff.WithMaxRetries(b, uint64(e.config.Retries()))
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewDefaultExecutor creates an executor with default configuration.
func NewDefaultExecutor() *Executor {
	return NewExecutor(DefaultToolConfig())
}

// Execute validates args, then runs the tool with a per-attempt timeout,
// retrying transient failures with exponential backoff.
func (e *Executor) Execute(ctx context.Context, tool Tool, args json.RawMessage) (ToolResult, error) {
	name := tool.Metadata().Name
	if err := tool.Validate(args); err != nil {
		return FailureResult(fmt.Errorf("validation failed: %w", err)), nil
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanToolCall, attribute.String(telemetry.AttrToolName, name))
	start := time.Now()

	var result ToolResult
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout())
		defer cancel()

		var err error
		result, err = tool.Execute(callCtx, args)
		if err == nil {
			return nil
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s: %w", platform.ErrToolTimeout, name, err)
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		e.logger.Warn("tool call failed, retrying",
			zap.String("tool", name),
			zap.Int("attempt", attempt),
			telemetry.Err(err))
		return err
	}, backoff.WithContext(e.newBackOff(), ctx))

	e.metrics.RecordTool(name, time.Since(start), err)
	telemetry.MarkSpanResult(span, err)
	span.End()

	if err != nil {
		return ToolResult{}, err
	}
	return result, nil
}

// ExecuteOnce runs a tool once without retries.
func ExecuteOnce(ctx context.Context, tool Tool, args json.RawMessage) (ToolResult, error) {
	// Validate first
	if err := tool.Validate(args); err != nil {
		return FailureResult(fmt.Errorf("validation failed: %w", err)), nil
	}

	return tool.Execute(ctx, args)
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, objstore.ErrStoreCorrupt):
		return false
	case errors.Is(err, objstore.ErrStoreUnavailable):
		return true
	case errors.Is(err, platform.ErrToolTimeout), errors.Is(err, platform.ErrUpstream):
		return true
	default:
		return false
	}
}
