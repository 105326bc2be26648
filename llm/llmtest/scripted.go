// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/Synthenova/conthunt-sub001/llm"
)

// ErrScriptExhausted is returned when no scripted step remains.
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Step is one scripted reply. Err takes precedence over Response.
type Step struct {
	Response llm.LLMResponse
	Err      error
}

// Call records one request seen by the provider.
type Call struct {
	Method   string
	Messages []llm.ChatMessage
	Format   *llm.ResponseFormat
	Tools    []llm.ToolDefinition
}

// Provider replays steps in order for every non-streaming method.
// When Handler is set it is used instead of the script.
type Provider struct {
	Schema  bool
	Handler func(call Call) (llm.LLMResponse, error)

	mu    sync.Mutex
	steps []Step
	calls []Call
}

// New returns a provider that replays steps.
func New(steps ...Step) *Provider {
	return &Provider{steps: steps}
}

// Reply is shorthand for a content-only step.
func Reply(content string) Step {
	return Step{Response: llm.LLMResponse{Content: content}}
}

// Fail is shorthand for an error step.
func Fail(err error) Step {
	return Step{Err: err}
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// Name returns "scripted".
func (p *Provider) Name() string { return "scripted" }

// Model returns "scripted".
func (p *Provider) Model() string { return "scripted" }

// SupportsJSONSchema reports the Schema field.
func (p *Provider) SupportsJSONSchema() bool { return p.Schema }

func (p *Provider) next(ctx context.Context, call Call) (llm.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return llm.LLMResponse{}, err
	}
	p.mu.Lock()
	p.calls = append(p.calls, call)
	handler := p.Handler
	if handler != nil {
		p.mu.Unlock()
		return handler(call)
	}
	defer p.mu.Unlock()
	if len(p.steps) == 0 {
		return llm.LLMResponse{}, ErrScriptExhausted
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step.Response, step.Err
}

// Chat replays the next step.
func (p *Provider) Chat(ctx context.Context, messages []llm.ChatMessage) (llm.LLMResponse, error) {
	return p.next(ctx, Call{Method: "chat", Messages: messages})
}

// ChatWithFormat replays the next step.
func (p *Provider) ChatWithFormat(ctx context.Context, messages []llm.ChatMessage, format *llm.ResponseFormat) (llm.LLMResponse, error) {
	return p.next(ctx, Call{Method: "chat_with_format", Messages: messages, Format: format})
}

// ChatWithTools replays the next step.
func (p *Provider) ChatWithTools(ctx context.Context, messages []llm.ChatMessage, tools []llm.ToolDefinition) (llm.LLMResponse, error) {
	return p.next(ctx, Call{Method: "chat_with_tools", Messages: messages, Tools: tools})
}

// StreamChat replays the next step, sending its content word by word.
func (p *Provider) StreamChat(ctx context.Context, messages []llm.ChatMessage, chunks chan<- string) (*llm.TokenUsage, error) {
	resp, err := p.next(ctx, Call{Method: "stream_chat", Messages: messages})
	if err != nil {
		return nil, err
	}
	for _, word := range strings.SplitAfter(resp.Content, " ") {
		if word == "" {
			continue
		}
		select {
		case chunks <- word:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp.Usage, nil
}

// Verify Provider implements llm.Provider
var (
	_ llm.Provider      = (*Provider)(nil)
	_ llm.SchemaCapable = (*Provider)(nil)
)
