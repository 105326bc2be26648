// Google Gemini Provider implementation using official google.golang.org/genai SDK.
//
// Information Hiding:
// - API authentication and client creation
// - Request/response format for Gemini API
// - System instruction and response schema handling via config
// - Streaming via official SDK iterator

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider implements the Provider interface for Google Gemini.
type GeminiProvider struct {
	client      *genai.Client
	model       string
	maxTokens   int32
	temperature float32
	initErr     error // returned on first use so the constructor never fails
}

// NewGeminiProvider creates a new Gemini provider.
// If client initialization fails, the error is stored and returned on first use.
func NewGeminiProvider(apiKey, model string, maxTokens uint32, temperature float32, opts ...Option) *GeminiProvider {
	o := collectOptions(opts)
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if o.baseURL != "" {
		cfg.HTTPOptions.BaseURL = o.baseURL
	}
	if o.httpClient != nil {
		cfg.HTTPClient = o.httpClient
	}

	p := &GeminiProvider{
		model:       model,
		maxTokens:   int32(maxTokens),
		temperature: temperature,
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		p.initErr = fmt.Errorf("failed to initialize Gemini client: %w", err)
		return p
	}
	p.client = client
	return p
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Model returns the current model.
func (p *GeminiProvider) Model() string {
	return p.model
}

// SupportsJSONSchema reports true: Gemini accepts a response schema.
func (p *GeminiProvider) SupportsJSONSchema() bool {
	return true
}

func (p *GeminiProvider) ready() error {
	if p.initErr != nil {
		return p.initErr
	}
	if p.client == nil {
		return fmt.Errorf("gemini client not initialized")
	}
	return nil
}

func (p *GeminiProvider) config(system string) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(p.temperature),
		MaxOutputTokens: p.maxTokens,
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return config
}

// Chat sends a chat completion request.
func (p *GeminiProvider) Chat(ctx context.Context, messages []ChatMessage) (LLMResponse, error) {
	return p.ChatWithFormat(ctx, messages, nil)
}

// ChatWithFormat sends a chat completion request with optional response format.
func (p *GeminiProvider) ChatWithFormat(ctx context.Context, messages []ChatMessage, format *ResponseFormat) (LLMResponse, error) {
	if err := p.ready(); err != nil {
		return LLMResponse{}, err
	}

	contents, system := convertToGeminiMessages(messages)
	config := p.config(system)
	if format != nil && format.Type != ResponseFormatText {
		config.ResponseMIMEType = "application/json"
		if format.Type == ResponseFormatJSONSchema && format.JSONSchema != nil {
			var schema map[string]any
			if err := json.Unmarshal(format.JSONSchema.Schema, &schema); err != nil {
				return LLMResponse{}, fmt.Errorf("invalid response schema: %w", err)
			}
			config.ResponseSchema = convertToGeminiSchema(schema)
		}
	}

	resp, err := p.generate(ctx, contents, config)
	if err != nil {
		return LLMResponse{}, err
	}
	if resp.Content == "" {
		return LLMResponse{}, fmt.Errorf("empty response from Gemini")
	}
	return resp, nil
}

// ChatWithTools sends a chat completion request with tool definitions.
func (p *GeminiProvider) ChatWithTools(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (LLMResponse, error) {
	if err := p.ready(); err != nil {
		return LLMResponse{}, err
	}
	contents, system := convertToGeminiMessages(messages)
	config := p.config(system)
	config.Tools = convertToGeminiTools(tools)
	return p.generate(ctx, contents, config)
}

func (p *GeminiProvider) generate(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (LLMResponse, error) {
	response, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return LLMResponse{}, wrapCallError("chat completion failed", err)
	}

	var out LLMResponse
	var text strings.Builder
	if len(response.Candidates) > 0 && response.Candidates[0].Content != nil {
		for _, part := range response.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
			if part.FunctionCall != nil {
				argsJSON, _ := json.Marshal(part.FunctionCall.Args)
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:        part.FunctionCall.Name, // Gemini uses name as ID
					Name:      part.FunctionCall.Name,
					Arguments: argsJSON,
				})
			}
		}
	}
	out.Content = text.String()
	out.Usage = geminiUsage(response.UsageMetadata)
	return out, nil
}

// StreamChat streams a chat completion.
func (p *GeminiProvider) StreamChat(ctx context.Context, messages []ChatMessage, chunks chan<- string) (*TokenUsage, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	contents, system := convertToGeminiMessages(messages)

	var usage *TokenUsage
	for response, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, p.config(system)) {
		if err != nil {
			return usage, wrapCallError("stream error", err)
		}
		if u := geminiUsage(response.UsageMetadata); u != nil {
			usage = u
		}
		text := response.Text()
		if text == "" {
			continue
		}
		select {
		case chunks <- text:
		case <-ctx.Done():
			return usage, ctx.Err()
		}
	}
	return usage, nil
}

func geminiUsage(meta *genai.GenerateContentResponseUsageMetadata) *TokenUsage {
	if meta == nil {
		return nil
	}
	return &TokenUsage{
		PromptTokens:     uint32(meta.PromptTokenCount),
		CompletionTokens: uint32(meta.CandidatesTokenCount),
		TotalTokens:      uint32(meta.TotalTokenCount),
	}
}

// convertToGeminiMessages converts messages, tool calls and tool results.
// System messages are concatenated and returned separately.
func convertToGeminiMessages(messages []ChatMessage) ([]*genai.Content, string) {
	var contents []*genai.Content
	var system []string

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
				continue
			}
			content := &genai.Content{Role: genai.RoleModel}
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Arguments, &args)
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
				})
			}
			contents = append(contents, content)
		case RoleTool:
			var result map[string]any
			_ = json.Unmarshal([]byte(msg.Content), &result)
			if result == nil {
				result = map[string]any{"result": msg.Content}
			}
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser, // Gemini expects tool results as user
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     msg.ToolCallID,
						Response: result,
					},
				}},
			})
		}
	}
	return contents, strings.Join(system, "\n\n")
}

// convertToGeminiTools converts tool definitions to Gemini format.
func convertToGeminiTools(tools []ToolDefinition) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertToGeminiSchema(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertToGeminiSchema converts a JSON schema map. Arrays always get items.
func convertToGeminiSchema(params map[string]any) *genai.Schema {
	schema := &genai.Schema{Type: genai.TypeObject}
	if t, ok := params["type"].(string); ok {
		schema.Type = mapToGeminiType(t)
	}
	if d, ok := params["description"].(string); ok {
		schema.Description = d
	}
	if lo, ok := params["minimum"].(float64); ok {
		schema.Minimum = genai.Ptr(lo)
	}
	if hi, ok := params["maximum"].(float64); ok {
		schema.Maximum = genai.Ptr(hi)
	}
	schema.Required = requiredFields(params)

	switch schema.Type {
	case genai.TypeArray:
		if items, ok := params["items"].(map[string]any); ok {
			schema.Items = convertToGeminiSchema(items)
		} else {
			schema.Items = &genai.Schema{Type: genai.TypeString}
		}
	case genai.TypeObject:
		if props, ok := params["properties"].(map[string]any); ok {
			schema.Properties = make(map[string]*genai.Schema, len(props))
			for name, prop := range props {
				if propMap, ok := prop.(map[string]any); ok {
					schema.Properties[name] = convertToGeminiSchema(propMap)
				}
			}
		}
	}
	return schema
}

// mapToGeminiType maps JSON schema type to Gemini type.
func mapToGeminiType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// Verify GeminiProvider implements Provider
var (
	_ Provider      = (*GeminiProvider)(nil)
	_ SchemaCapable = (*GeminiProvider)(nil)
)
