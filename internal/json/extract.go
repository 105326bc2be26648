// Package json provides JSON extraction utilities for parsing LLM responses.
//
// LLMs often return JSON embedded in text, wrapped in code fences, or slightly
// malformed (trailing commas, single quotes, unquoted keys). Extraction tries
// strict parsing first and falls back to github.com/kaptinlin/jsonrepair.
package json

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrNoJSON is returned when no JSON object can be recovered from a response.
var ErrNoJSON = errors.New("failed to extract valid JSON from response")

// extractJSON finds and returns the JSON object in a response string.
// Order of attempts:
// 1. The whole response (after stripping markdown fences)
// 2. The span between the first '{' and the last '}'
// 3. jsonrepair over that span (or the tail from the first '{' when unclosed)
func extractJSON(response string) (string, error) {
	response = stripMarkdownCodeBlocks(response)
	if json.Valid([]byte(response)) && strings.HasPrefix(response, "{") {
		return response, nil
	}

	start := strings.Index(response, "{")
	if start == -1 {
		return "", noJSON(response)
	}
	candidate := response[start:]
	if end := strings.LastIndex(response, "}"); end > start {
		candidate = response[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil || !strings.HasPrefix(strings.TrimSpace(repaired), "{") || !json.Valid([]byte(repaired)) {
		return "", noJSON(response)
	}
	return repaired, nil
}

func noJSON(response string) error {
	preview := response
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	return fmt.Errorf("%w: %q", ErrNoJSON, preview)
}

// stripMarkdownCodeBlocks removes markdown code block markers from a response.
// Handles patterns like ```json\n...\n``` or ```\n...\n```
func stripMarkdownCodeBlocks(response string) string {
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "```json"))
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
	}
	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, "```"))
	}
	return trimmed
}

// Decode recovers the JSON object in an LLM response and unmarshals it into T.
func Decode[T any](response string) (T, error) {
	var result T
	jsonStr, err := extractJSON(response)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return result, nil
}

// Extract returns the raw JSON object recovered from a response.
func Extract(response string) (string, error) {
	return extractJSON(response)
}
