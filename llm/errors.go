// Provider error classification.
//
// Information Hiding:
// - SDK-specific error types (go-openai, anthropic-sdk-go, genai) hidden
// - Callers only see ErrRateLimited via errors.Is

package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// ErrRateLimited marks a provider response that asked the caller to slow down.
var ErrRateLimited = errors.New("llm rate limited")

// IsRateLimited reports whether err is a provider rate-limit response.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	return statusCode(err) == http.StatusTooManyRequests
}

// statusCode extracts the HTTP status carried by an SDK error, or 0.
func statusCode(err error) int {
	var oaiAPI *openai.APIError
	if errors.As(err, &oaiAPI) {
		return oaiAPI.HTTPStatusCode
	}
	var oaiReq *openai.RequestError
	if errors.As(err, &oaiReq) {
		return oaiReq.HTTPStatusCode
	}
	var claude *anthropic.Error
	if errors.As(err, &claude) {
		return claude.StatusCode
	}
	var gemini *genai.APIError
	if errors.As(err, &gemini) {
		return gemini.Code
	}
	// genai usually returns APIError by value.
	if strings.Contains(err.Error(), "RESOURCE_EXHAUSTED") {
		return http.StatusTooManyRequests
	}
	return 0
}

// wrapCallError tags rate-limit failures so wrappers can retry them.
func wrapCallError(op string, err error) error {
	if IsRateLimited(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrRateLimited, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
