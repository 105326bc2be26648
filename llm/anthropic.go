// Anthropic Provider implementation using official anthropic-sdk-go.
//
// Information Hiding:
// - API endpoint and authentication
// - Request/response format for Anthropic Messages API
// - JSON-schema output emulated with a forced tool call
// - Streaming via official SDK

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// structuredToolName is the forced tool used to carry schema-constrained output.
const structuredToolName = "emit_structured_output"

// AnthropicProvider implements the Provider interface for Anthropic Claude.
type AnthropicProvider struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey, model string, maxTokens uint32, temperature float32, opts ...Option) *AnthropicProvider {
	o := collectOptions(opts)
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(o.baseURL))
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(o.httpClient))
	}

	return &AnthropicProvider{
		client:      anthropic.NewClient(clientOpts...),
		model:       model,
		maxTokens:   int64(maxTokens),
		temperature: float64(temperature),
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Model returns the current model.
func (p *AnthropicProvider) Model() string {
	return p.model
}

// SupportsJSONSchema reports true: schemas are enforced through a forced tool call.
func (p *AnthropicProvider) SupportsJSONSchema() bool {
	return true
}

// Chat sends a chat completion request.
func (p *AnthropicProvider) Chat(ctx context.Context, messages []ChatMessage) (LLMResponse, error) {
	return p.ChatWithFormat(ctx, messages, nil)
}

// ChatWithFormat sends a chat completion request with optional response format.
// For JSON-schema formats the tool input is returned as Content.
func (p *AnthropicProvider) ChatWithFormat(ctx context.Context, messages []ChatMessage, format *ResponseFormat) (LLMResponse, error) {
	params := p.params(messages)

	structured := format != nil && format.Type == ResponseFormatJSONSchema && format.JSONSchema != nil
	if structured {
		var schema map[string]any
		if err := json.Unmarshal(format.JSONSchema.Schema, &schema); err != nil {
			return LLMResponse{}, fmt.Errorf("invalid response schema: %w", err)
		}
		params.Tools = convertToAnthropicTools([]ToolDefinition{{
			Name:        structuredToolName,
			Description: "Return the answer as " + format.JSONSchema.Name,
			Parameters:  schema,
		}})
		params.ToolChoice = anthropic.ToolChoiceParamOfTool(structuredToolName)
	}

	resp, err := p.send(ctx, params)
	if err != nil {
		return LLMResponse{}, err
	}
	if structured {
		for _, tc := range resp.ToolCalls {
			if tc.Name == structuredToolName {
				return LLMResponse{Content: string(tc.Arguments), Usage: resp.Usage}, nil
			}
		}
	}
	resp.ToolCalls = nil
	return resp, nil
}

// ChatWithTools sends a chat completion request with tool definitions.
func (p *AnthropicProvider) ChatWithTools(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (LLMResponse, error) {
	params := p.params(messages)
	params.Tools = convertToAnthropicTools(tools)
	return p.send(ctx, params)
}

// StreamChat streams a chat completion.
func (p *AnthropicProvider) StreamChat(ctx context.Context, messages []ChatMessage, chunks chan<- string) (*TokenUsage, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.params(messages))

	var usage *TokenUsage
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			if ev.Message.Usage.InputTokens > 0 {
				usage = &TokenUsage{PromptTokens: uint32(ev.Message.Usage.InputTokens)}
			}
		case anthropic.ContentBlockDeltaEvent:
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			select {
			case chunks <- delta.Text:
			case <-ctx.Done():
				return usage, ctx.Err()
			}
		case anthropic.MessageDeltaEvent:
			if ev.Usage.OutputTokens > 0 {
				if usage == nil {
					usage = &TokenUsage{}
				}
				usage.CompletionTokens = uint32(ev.Usage.OutputTokens)
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			}
		}
	}
	if err := stream.Err(); err != nil {
		return usage, wrapCallError("stream error", err)
	}
	return usage, nil
}

func (p *AnthropicProvider) params(messages []ChatMessage) anthropic.MessageNewParams {
	converted, system := convertToAnthropicMessages(messages)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   p.maxTokens,
		Messages:    converted,
		Temperature: anthropic.Float(p.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

func (p *AnthropicProvider) send(ctx context.Context, params anthropic.MessageNewParams) (LLMResponse, error) {
	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return LLMResponse{}, wrapCallError("chat completion failed", err)
	}

	var out LLMResponse
	var text strings.Builder
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			inputJSON, _ := json.Marshal(variant.Input)
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: inputJSON,
			})
		}
	}
	out.Content = text.String()

	if message.Usage.InputTokens > 0 || message.Usage.OutputTokens > 0 {
		out.Usage = &TokenUsage{
			PromptTokens:     uint32(message.Usage.InputTokens),
			CompletionTokens: uint32(message.Usage.OutputTokens),
			TotalTokens:      uint32(message.Usage.InputTokens + message.Usage.OutputTokens),
		}
	}
	return out, nil
}

// convertToAnthropicMessages converts messages, tool calls and tool results.
// System messages are concatenated and returned separately.
func convertToAnthropicMessages(messages []ChatMessage) ([]anthropic.MessageParam, string) {
	var out []anthropic.MessageParam
	var system []string

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
				continue
			}
			param := anthropic.MessageParam{Role: anthropic.MessageParamRoleAssistant}
			if msg.Content != "" {
				param.Content = append(param.Content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				_ = json.Unmarshal(tc.Arguments, &input)
				param.Content = append(param.Content, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: input,
					},
				})
			}
			out = append(out, param)
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		}
	}
	return out, strings.Join(system, "\n\n")
}

// convertToAnthropicTools converts tool definitions to Anthropic format.
func convertToAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		properties, _ := t.Parameters["properties"].(map[string]any)
		toolParam := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: properties,
				Required:   requiredFields(t.Parameters),
			},
		}
		result[i] = anthropic.ToolUnionParam{OfTool: &toolParam}
	}
	return result
}

// requiredFields reads "required" whether it was built in Go or decoded from JSON.
func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Verify AnthropicProvider implements Provider
var (
	_ Provider      = (*AnthropicProvider)(nil)
	_ SchemaCapable = (*AnthropicProvider)(nil)
)
