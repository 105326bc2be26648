// Package justify scores a video against a criterion with one LLM call.
//
// Information Hiding:
// - Structured-output strategy (schema constrained or JSON reparse) hidden behind StructuredCall
// - Prompt wording and the stricter retry prompt hidden
// - Canonicalization of score and reason hidden behind Justify

package justify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	ijson "github.com/Synthenova/conthunt-sub001/internal/json"
	"github.com/Synthenova/conthunt-sub001/llm"
)

// Strategy names how structured output was obtained.
type Strategy string

const (
	StrategySchemaConstrained Strategy = "schema_constrained"
	StrategyJSONReparse       Strategy = "json_reparse"
)

// ErrInvalidOutput marks a response that could not be decoded into the target type.
var ErrInvalidOutput = errors.New("llm returned invalid structured output")

// StructuredCall issues one request whose reply decodes into T.
type StructuredCall[T any] struct {
	Provider llm.Provider
	Name     string
	Schema   json.RawMessage
}

// Strategy reports which strategy Do will use with this provider.
func (c StructuredCall[T]) Strategy() Strategy {
	if llm.SupportsJSONSchema(c.Provider) {
		return StrategySchemaConstrained
	}
	return StrategyJSONReparse
}

// Do sends messages and decodes the reply. Decode failures wrap ErrInvalidOutput;
// provider failures are returned unchanged.
func (c StructuredCall[T]) Do(ctx context.Context, messages []llm.ChatMessage) (T, error) {
	var zero T
	format := llm.NewJSONObjectFormat()
	if c.Strategy() == StrategySchemaConstrained {
		format = llm.NewJSONSchemaFormat(c.Name, c.Schema)
	}

	resp, err := c.Provider.ChatWithFormat(ctx, messages, format)
	if err != nil {
		return zero, err
	}

	var out T
	if c.Strategy() == StrategySchemaConstrained {
		if err := json.Unmarshal([]byte(resp.Content), &out); err == nil {
			return out, nil
		}
	}
	out, err = ijson.Decode[T](resp.Content)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrInvalidOutput, err)
	}
	return out, nil
}
