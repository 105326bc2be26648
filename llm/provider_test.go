// Provider tests against a local Chat Completions endpoint; no network access.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

const completionBody = `{"id":"c1","object":"chat.completion","model":"m",
"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],
"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`

type capturedRequest struct {
	ResponseFormat *struct {
		Type       string `json:"type"`
		JSONSchema *struct {
			Name   string `json:"name"`
			Strict bool   `json:"strict"`
		} `json:"json_schema"`
	} `json:"response_format"`
}

func completionServer(t *testing.T, status int, content string, seen *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if seen != nil {
			_ = json.Unmarshal(body, seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			fmt.Fprintf(w, `{"error":{"message":"request failed","type":"error","code":"%d"}}`, status)
			return
		}
		fmt.Fprintf(w, completionBody, content)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func scoreSchema() *ResponseFormat {
	return NewJSONSchemaFormat("justification", json.RawMessage(`{"type":"object","properties":{"score":{"type":"number"}},"required":["score"]}`))
}

func TestOpenAISendsStrictSchema(t *testing.T) {
	var seen capturedRequest
	srv := completionServer(t, http.StatusOK, `{"score":0.5}`, &seen)
	p := NewOpenAIProvider("sk-test", "gpt-4o-mini", 100, 0, WithBaseURL(srv.URL+"/v1"))

	resp, err := p.ChatWithFormat(context.Background(), []ChatMessage{UserMessage("score")}, scoreSchema())
	require.NoError(t, err)
	assert.Equal(t, `{"score":0.5}`, resp.Content)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, uint32(5), resp.Usage.TotalTokens)

	require.NotNil(t, seen.ResponseFormat)
	assert.Equal(t, "json_schema", seen.ResponseFormat.Type)
	require.NotNil(t, seen.ResponseFormat.JSONSchema)
	assert.Equal(t, "justification", seen.ResponseFormat.JSONSchema.Name)
	assert.True(t, seen.ResponseFormat.JSONSchema.Strict)
	assert.True(t, SupportsJSONSchema(p))
}

func TestDeepSeekDegradesSchemaToJSONObject(t *testing.T) {
	var seen capturedRequest
	srv := completionServer(t, http.StatusOK, `{"score":1}`, &seen)
	p := NewDeepSeekProvider("sk-test", "deepseek-v3.2", 100, 0, WithBaseURL(srv.URL+"/v1"))

	_, err := p.ChatWithFormat(context.Background(), []ChatMessage{UserMessage("score")}, scoreSchema())
	require.NoError(t, err)
	require.NotNil(t, seen.ResponseFormat)
	assert.Equal(t, "json_object", seen.ResponseFormat.Type)
	assert.False(t, SupportsJSONSchema(p))
}

func TestRateLimitResponseIsClassified(t *testing.T) {
	srv := completionServer(t, http.StatusTooManyRequests, "", nil)
	p := NewOpenAIProvider("sk-test", "gpt-4o-mini", 100, 0, WithBaseURL(srv.URL+"/v1"))

	_, err := p.Chat(context.Background(), []ChatMessage{UserMessage("hi")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.True(t, IsRateLimited(err))
}

func TestErrorDoesNotLeakAPIKey(t *testing.T) {
	testKey := "sk-test-invalid-key-12345xyz"
	srv := completionServer(t, http.StatusUnauthorized, "", nil)
	p := NewOpenAIProvider(testKey, "gpt-4o-mini", 100, 0, WithBaseURL(srv.URL+"/v1"))

	_, err := p.Chat(context.Background(), []ChatMessage{UserMessage("hi")})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testKey)
	assert.NotContains(t, err.Error(), "Authorization:")
	assert.False(t, IsRateLimited(err))
}

func TestIsRateLimitedSDKErrors(t *testing.T) {
	assert.True(t, IsRateLimited(fmt.Errorf("wrapped: %w", &openai.APIError{HTTPStatusCode: 429})))
	assert.True(t, IsRateLimited(&openai.RequestError{HTTPStatusCode: 429, Err: errors.New("x")}))
	assert.True(t, IsRateLimited(&genai.APIError{Code: 429}))
	assert.False(t, IsRateLimited(&openai.APIError{HTTPStatusCode: 500}))
	assert.False(t, IsRateLimited(nil))
	assert.False(t, IsRateLimited(errors.New("boom")))
}

func TestConvertToOpenAIMessagesKeepsToolCalls(t *testing.T) {
	msgs := []ChatMessage{
		SystemMessage("sys"),
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "1", Name: "search", Arguments: json.RawMessage(`{"query":"q"}`)}}},
		ToolResultMessage("1", "ok"),
	}
	out := convertToOpenAIMessages(msgs)
	require.Len(t, out, 3)
	require.Len(t, out[1].ToolCalls, 1)
	assert.Equal(t, "search", out[1].ToolCalls[0].Function.Name)
	assert.Equal(t, `{"query":"q"}`, out[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "1", out[2].ToolCallID)
}

func TestConvertToGeminiSchema(t *testing.T) {
	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"type":"object",
		"properties":{"score":{"type":"number","minimum":0,"maximum":1},"tags":{"type":"array"},"n":{"type":"integer"}},
		"required":["score"]}`), &schema))

	s := convertToGeminiSchema(schema)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, []string{"score"}, s.Required)
	require.Contains(t, s.Properties, "score")
	assert.Equal(t, genai.TypeNumber, s.Properties["score"].Type)
	require.NotNil(t, s.Properties["score"].Maximum)
	assert.Equal(t, 1.0, *s.Properties["score"].Maximum)
	assert.Equal(t, genai.TypeString, s.Properties["tags"].Items.Type)
	assert.Equal(t, genai.TypeInteger, s.Properties["n"].Type)
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"a"}, requiredFields(map[string]any{"required": []string{"a"}}))
	assert.Equal(t, []string{"a", "b"}, requiredFields(map[string]any{"required": []any{"a", 1, "b"}}))
	assert.Nil(t, requiredFields(map[string]any{}))
}

func TestBuilderWrapsProvider(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
			return
		}
		fmt.Fprintf(w, completionBody, "hello")
	}))
	defer srv.Close()

	p, err := ProviderOpenAI.Model(ModelOpenAIGPT4oMini).BaseURL(srv.URL + "/v1").APIKey("sk-test")
	require.NoError(t, err)
	r, ok := p.(*Retrying)
	require.True(t, ok)
	r.newBackOff = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3) }

	resp, err := p.Chat(context.Background(), []ChatMessage{UserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, int32(2), hits.Load())
	assert.True(t, SupportsJSONSchema(p))
}
