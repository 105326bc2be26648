// LLM Provider Factory - builder API for creating wrapped LLM providers.
//
// Quick Start:
//
//	// Defaults: read API key from environment, retry rate limits 3 times
//	justifier, err := llm.ProviderOpenAI.FromEnv()
//
//	// Planner on Claude, paced to 2 requests per second
//	planner, err := llm.ProviderAnthropic.
//	    Model(llm.ModelAnthropicClaudeSonnet4).
//	    MaxTokens(2048).
//	    RatePerSecond(2).
//	    FromEnv()
//
//	// Explicit key and endpoint (tests, proxies)
//	provider, err := llm.ProviderOpenAI.Model(llm.ModelOpenAIGPT4oMini).BaseURL(url).APIKey("sk-...")

package llm

import (
	"fmt"
	"os"
	"strings"
)

// ProviderType represents supported LLM providers.
type ProviderType int

const (
	// ProviderOpenAI is the OpenAI provider (GPT models).
	ProviderOpenAI ProviderType = iota
	// ProviderAnthropic is the Anthropic provider (Claude models).
	ProviderAnthropic
	// ProviderDeepSeek is the DeepSeek provider.
	ProviderDeepSeek
	// ProviderGemini is the Google Gemini provider.
	ProviderGemini
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	switch p {
	case ProviderOpenAI:
		return "openai"
	case ProviderAnthropic:
		return "anthropic"
	case ProviderDeepSeek:
		return "deepseek"
	case ProviderGemini:
		return "gemini"
	default:
		return "unknown"
	}
}

// EnvVar returns the environment variable name for this provider's API key.
func (p ProviderType) EnvVar() string {
	switch p {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderDeepSeek:
		return "DEEPSEEK_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

// DefaultModel returns the default model for this provider.
func (p ProviderType) DefaultModel() string {
	switch p {
	case ProviderOpenAI:
		return ModelOpenAIGPT4oMini
	case ProviderAnthropic:
		return ModelAnthropicClaudeHaiku4
	case ProviderDeepSeek:
		return ModelDeepSeekV32
	case ProviderGemini:
		return ModelGeminiFlash3
	default:
		return ""
	}
}

// ParseProviderType parses a provider from string (case-insensitive).
func ParseProviderType(s string) (ProviderType, error) {
	switch strings.ToLower(s) {
	case "openai", "gpt":
		return ProviderOpenAI, nil
	case "anthropic", "claude":
		return ProviderAnthropic, nil
	case "deepseek":
		return ProviderDeepSeek, nil
	case "gemini", "google":
		return ProviderGemini, nil
	default:
		return 0, fmt.Errorf("unknown provider: %s", s)
	}
}

// FromEnv creates a provider with defaults, reading API key from environment.
func (p ProviderType) FromEnv() (Provider, error) {
	return NewProviderBuilder(p).FromEnv()
}

// Model starts configuring this provider with a specific model.
func (p ProviderType) Model(model string) *ProviderBuilder {
	return NewProviderBuilder(p).Model(model)
}

// APIKey creates a provider with an explicit API key (uses defaults for everything else).
func (p ProviderType) APIKey(key string) (Provider, error) {
	return NewProviderBuilder(p).APIKey(key)
}

// ProviderBuilder is a builder for configuring LLM providers.
type ProviderBuilder struct {
	providerType ProviderType
	model        string
	maxTokens    uint32
	temperature  *float32
	baseURL      string
	maxRetries   int
	ratePerSec   float64
}

// NewProviderBuilder creates a new builder for the given provider.
func NewProviderBuilder(providerType ProviderType) *ProviderBuilder {
	return &ProviderBuilder{
		providerType: providerType,
		maxRetries:   DefaultMaxRetries,
	}
}

// Model sets the model to use.
func (b *ProviderBuilder) Model(model string) *ProviderBuilder {
	b.model = model
	return b
}

// MaxTokens sets maximum tokens for responses.
func (b *ProviderBuilder) MaxTokens(tokens uint32) *ProviderBuilder {
	b.maxTokens = tokens
	return b
}

// Temperature sets temperature (0.0 = deterministic, 1.0 = creative).
func (b *ProviderBuilder) Temperature(temp float32) *ProviderBuilder {
	b.temperature = &temp
	return b
}

// BaseURL overrides the API endpoint.
func (b *ProviderBuilder) BaseURL(url string) *ProviderBuilder {
	b.baseURL = url
	return b
}

// MaxRetries sets how many times rate-limited calls are retried. Zero disables retries.
func (b *ProviderBuilder) MaxRetries(n int) *ProviderBuilder {
	b.maxRetries = n
	return b
}

// RatePerSecond paces calls to at most r per second. Zero disables pacing.
func (b *ProviderBuilder) RatePerSecond(r float64) *ProviderBuilder {
	b.ratePerSec = r
	return b
}

// FromEnv builds the provider, reading API key from environment.
func (b *ProviderBuilder) FromEnv() (Provider, error) {
	envVar := b.providerType.EnvVar()
	apiKey := os.Getenv(envVar)
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %s environment variable not set", b.providerType, envVar)
	}
	return b.build(apiKey)
}

// APIKey builds the provider with an explicit API key.
func (b *ProviderBuilder) APIKey(key string) (Provider, error) {
	return b.build(key)
}

func (b *ProviderBuilder) build(apiKey string) (Provider, error) {
	model := b.model
	if model == "" {
		model = b.providerType.DefaultModel()
	}

	maxTokens := b.maxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	temperature := float32(0.2) // scoring favors determinism
	if b.temperature != nil {
		temperature = *b.temperature
	}

	var opts []Option
	if b.baseURL != "" {
		opts = append(opts, WithBaseURL(b.baseURL))
	}

	var p Provider
	switch b.providerType {
	case ProviderOpenAI:
		p = NewOpenAIProvider(apiKey, model, maxTokens, temperature, opts...)
	case ProviderAnthropic:
		p = NewAnthropicProvider(apiKey, model, maxTokens, temperature, opts...)
	case ProviderDeepSeek:
		p = NewDeepSeekProvider(apiKey, model, maxTokens, temperature, opts...)
	case ProviderGemini:
		p = NewGeminiProvider(apiKey, model, maxTokens, temperature, opts...)
	default:
		return nil, fmt.Errorf("unknown provider type: %v", b.providerType)
	}

	if b.ratePerSec > 0 {
		p = NewRateLimited(p, b.ratePerSec, 1)
	}
	if b.maxRetries > 0 {
		p = NewRetrying(p, b.maxRetries)
	}
	return p, nil
}

// Model identifier constants. Research runs issue many short scoring calls,
// so defaults favor the fast tier of each provider.
const (
	ModelOpenAIGPT52            = "gpt-5.2"
	ModelOpenAIGPT4o            = "gpt-4o"
	ModelOpenAIGPT4oMini        = "gpt-4o-mini"
	ModelAnthropicClaudeSonnet4 = "claude-sonnet-4-20250514"
	ModelAnthropicClaudeHaiku4  = "claude-haiku-4-20250514"
	ModelDeepSeekV32            = "deepseek-v3.2"
	ModelGeminiFlash3           = "gemini-3-flash"
	ModelGeminiPro3             = "gemini-3-pro"
)
