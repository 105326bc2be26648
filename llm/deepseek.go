// DeepSeek provider: the OpenAI-compatible client pointed at DeepSeek.
//
// Information Hiding:
// - Base URL hidden
// - No strict schema support: JSON-schema formats degrade to json_object

package llm

const deepseekBaseURL = "https://api.deepseek.com/v1"

// DeepSeekProvider implements the Provider interface for DeepSeek.
type DeepSeekProvider struct {
	chatCompletions
}

// NewDeepSeekProvider creates a new DeepSeek provider.
func NewDeepSeekProvider(apiKey, model string, maxTokens uint32, temperature float32, opts ...Option) *DeepSeekProvider {
	return &DeepSeekProvider{newChatCompletions("deepseek", apiKey, deepseekBaseURL, model, maxTokens, temperature, false, opts)}
}

// Verify DeepSeekProvider implements Provider
var _ Provider = (*DeepSeekProvider)(nil)
