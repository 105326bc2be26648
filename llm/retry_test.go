package llm_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Synthenova/conthunt-sub001/llm"
	"github.com/Synthenova/conthunt-sub001/llm/llmtest"
)

func noWait() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, llm.DefaultMaxRetries)
}

func rateLimited() error {
	return fmt.Errorf("chat completion failed: %w", llm.ErrRateLimited)
}

func TestRetryingRetriesRateLimits(t *testing.T) {
	inner := llmtest.New(
		llmtest.Fail(rateLimited()),
		llmtest.Fail(rateLimited()),
		llmtest.Reply("ok"),
	)
	p := llm.NewRetrying(inner, llm.DefaultMaxRetries, llm.WithRetryBackOff(noWait))

	resp, err := p.Chat(context.Background(), []llm.ChatMessage{llm.UserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Len(t, inner.Calls(), 3)
}

func TestRetryingGivesUpAfterMaxRetries(t *testing.T) {
	inner := llmtest.New(
		llmtest.Fail(rateLimited()), llmtest.Fail(rateLimited()),
		llmtest.Fail(rateLimited()), llmtest.Fail(rateLimited()),
		llmtest.Reply("too late"),
	)
	p := llm.NewRetrying(inner, llm.DefaultMaxRetries, llm.WithRetryBackOff(noWait))

	_, err := p.ChatWithFormat(context.Background(), nil, llm.NewJSONObjectFormat())
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrRateLimited)
	assert.Len(t, inner.Calls(), 4)
}

func TestRetryingDoesNotRetryOtherErrors(t *testing.T) {
	transport := errors.New("connection refused")
	inner := llmtest.New(llmtest.Fail(transport), llmtest.Reply("unused"))
	p := llm.NewRetrying(inner, llm.DefaultMaxRetries, llm.WithRetryBackOff(noWait))

	_, err := p.ChatWithTools(context.Background(), nil, nil)
	assert.ErrorIs(t, err, transport)
	assert.Len(t, inner.Calls(), 1)
}

func TestRetryingStopsOnCancel(t *testing.T) {
	inner := llmtest.New(llmtest.Fail(rateLimited()), llmtest.Reply("ok"))
	p := llm.NewRetrying(inner, llm.DefaultMaxRetries)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Chat(ctx, nil)
	assert.Error(t, err)
}

func TestWrappersReportSchemaSupport(t *testing.T) {
	inner := llmtest.New()
	inner.Schema = true
	p := llm.NewRetrying(llm.NewRateLimited(inner, 10, 1), 1)
	assert.True(t, llm.SupportsJSONSchema(p))

	inner.Schema = false
	assert.False(t, llm.SupportsJSONSchema(p))
}

func TestRateLimitedPacesCalls(t *testing.T) {
	inner := llmtest.New(llmtest.Reply("a"), llmtest.Reply("b"), llmtest.Reply("c"))
	p := llm.NewRateLimited(inner, 20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := p.Chat(context.Background(), nil)
		require.NoError(t, err)
	}
	// Two waits of 50ms at 20/s.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestStreamPassesThrough(t *testing.T) {
	inner := llmtest.New(llmtest.Reply("daily limit reached"))
	p := llm.NewRetrying(llm.NewRateLimited(inner, 0, 1), 3)

	chunks := make(chan string, 10)
	_, err := p.StreamChat(context.Background(), nil, chunks)
	require.NoError(t, err)
	close(chunks)
	var got string
	for c := range chunks {
		got += c
	}
	assert.Equal(t, "daily limit reached", got)
}
