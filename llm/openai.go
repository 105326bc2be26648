// OpenAI-compatible Chat Completions providers (OpenAI, DeepSeek) using go-openai.
//
// Information Hiding:
// - API endpoint, base URL and authentication
// - Request/response conversion for the Chat Completions API
// - Strict JSON-schema response format where the endpoint supports it
// - Streaming via go-openai library

package llm

import (
	"context"
	"errors"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// Option configures an HTTP-backed provider.
type Option func(*providerOptions)

type providerOptions struct {
	baseURL    string
	httpClient *http.Client
}

// WithBaseURL points the provider at a different API endpoint.
func WithBaseURL(url string) Option {
	return func(o *providerOptions) { o.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *providerOptions) { o.httpClient = c }
}

func collectOptions(opts []Option) providerOptions {
	var o providerOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// chatCompletions is the shared Chat Completions client behind OpenAI and DeepSeek.
type chatCompletions struct {
	name        string
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	jsonSchema  bool
}

func newChatCompletions(name, apiKey, defaultBaseURL, model string, maxTokens uint32, temperature float32, jsonSchema bool, opts []Option) chatCompletions {
	o := collectOptions(opts)
	config := openai.DefaultConfig(apiKey)
	if defaultBaseURL != "" {
		config.BaseURL = defaultBaseURL
	}
	if o.baseURL != "" {
		config.BaseURL = o.baseURL
	}
	if o.httpClient != nil {
		config.HTTPClient = o.httpClient
	}
	return chatCompletions{
		name:        name,
		client:      openai.NewClientWithConfig(config),
		model:       model,
		maxTokens:   int(maxTokens),
		temperature: temperature,
		jsonSchema:  jsonSchema,
	}
}

// Name returns the provider name.
func (p *chatCompletions) Name() string { return p.name }

// Model returns the current model.
func (p *chatCompletions) Model() string { return p.model }

// SupportsJSONSchema reports whether strict schema output is available.
func (p *chatCompletions) SupportsJSONSchema() bool { return p.jsonSchema }

// Chat sends a chat completion request.
func (p *chatCompletions) Chat(ctx context.Context, messages []ChatMessage) (LLMResponse, error) {
	return p.ChatWithFormat(ctx, messages, nil)
}

// ChatWithFormat sends a chat completion request with optional response format.
// A JSON-schema format degrades to json_object when the endpoint lacks schema support.
func (p *chatCompletions) ChatWithFormat(ctx context.Context, messages []ChatMessage, format *ResponseFormat) (LLMResponse, error) {
	req := p.request(messages)
	req.ResponseFormat = p.responseFormat(format)
	return p.complete(ctx, req)
}

// ChatWithTools sends a chat completion request with tool definitions.
func (p *chatCompletions) ChatWithTools(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (LLMResponse, error) {
	req := p.request(messages)
	req.Tools = convertToOpenAITools(tools)
	return p.complete(ctx, req)
}

// StreamChat streams a chat completion.
func (p *chatCompletions) StreamChat(ctx context.Context, messages []ChatMessage, chunks chan<- string) (*TokenUsage, error) {
	req := p.request(messages)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, wrapCallError("stream creation failed", err)
	}
	defer stream.Close()

	var usage *TokenUsage
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return usage, nil
		}
		if err != nil {
			return usage, wrapCallError("stream recv failed", err)
		}
		if response.Usage != nil {
			usage = openAIUsage(*response.Usage)
		}
		if len(response.Choices) == 0 || response.Choices[0].Delta.Content == "" {
			continue
		}
		select {
		case chunks <- response.Choices[0].Delta.Content:
		case <-ctx.Done():
			return usage, ctx.Err()
		}
	}
}

func (p *chatCompletions) request(messages []ChatMessage) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    convertToOpenAIMessages(messages),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}
}

func (p *chatCompletions) responseFormat(format *ResponseFormat) *openai.ChatCompletionResponseFormat {
	if format == nil || format.Type == ResponseFormatText {
		return nil
	}
	if format.Type == ResponseFormatJSONSchema && format.JSONSchema != nil && p.jsonSchema {
		return &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:        format.JSONSchema.Name,
				Description: format.JSONSchema.Description,
				Schema:      format.JSONSchema.Schema,
				Strict:      format.JSONSchema.Strict,
			},
		}
	}
	return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
}

func (p *chatCompletions) complete(ctx context.Context, req openai.ChatCompletionRequest) (LLMResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return LLMResponse{}, wrapCallError("chat completion failed", err)
	}

	var out LLMResponse
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		out.Content = msg.Content
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: []byte(tc.Function.Arguments),
			})
		}
	}
	out.Usage = openAIUsage(resp.Usage)
	return out, nil
}

func openAIUsage(u openai.Usage) *TokenUsage {
	return &TokenUsage{
		PromptTokens:     uint32(u.PromptTokens),
		CompletionTokens: uint32(u.CompletionTokens),
		TotalTokens:      uint32(u.TotalTokens),
	}
}

// convertToOpenAIMessages converts messages including tool calls and tool results.
func convertToOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		result[i] = oaiMsg
	}
	return result
}

func convertToOpenAITools(tools []ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return result
}

// OpenAIProvider implements the Provider interface for OpenAI.
type OpenAIProvider struct {
	chatCompletions
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(apiKey, model string, maxTokens uint32, temperature float32, opts ...Option) *OpenAIProvider {
	return &OpenAIProvider{newChatCompletions("openai", apiKey, "", model, maxTokens, temperature, true, opts)}
}

// Verify OpenAIProvider implements Provider
var (
	_ Provider      = (*OpenAIProvider)(nil)
	_ SchemaCapable = (*OpenAIProvider)(nil)
)
