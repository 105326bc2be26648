// Package tools provides the research tool surface exposed to planners.
//
// Information Hiding:
// - Tool execution details hidden behind interface
// - Tool parameters and schemas hidden in implementations
// - Session identity travels in the context, never in tool arguments
// - Media asset ids never appear in tool input or output; refs only
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Synthenova/conthunt-sub001/llm"
	"github.com/Synthenova/conthunt-sub001/quota"
)

// Tool names exposed to planners.
const (
	NameSearch           = "search"
	NameRankByViews      = "rank_by_views"
	NameEnsureAnalysis   = "ensure_analysis"
	NameJustifyAndRecord = "justify_and_record"
	NameReply            = "reply"
)

// ErrNoSession is returned when a tool runs without a session in its context.
var ErrNoSession = errors.New("tool invoked without a session")

// ToolParameter defines a parameter schema for a tool.
// Items names the element type when ParamType is "array".
type ToolParameter struct {
	Name        string `json:"name"`
	ParamType   string `json:"param_type"`
	Items       string `json:"items,omitempty"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// ToolMetadata describes what a tool does and how to use it.
type ToolMetadata struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
}

// String returns a string representation of the tool metadata.
func (m ToolMetadata) String() string {
	return fmt.Sprintf("%s: %s", m.Name, m.Description)
}

// Definition converts the metadata into a provider tool definition.
func (m ToolMetadata) Definition() llm.ToolDefinition {
	props := make(map[string]interface{}, len(m.Parameters))
	required := make([]string, 0, len(m.Parameters))
	for _, p := range m.Parameters {
		prop := map[string]interface{}{
			"type":        p.ParamType,
			"description": p.Description,
		}
		if p.ParamType == "array" {
			items := p.Items
			if items == "" {
				items = "string"
			}
			prop["items"] = map[string]interface{}{"type": items}
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return llm.ToolDefinition{
		Name:        m.Name,
		Description: m.Description,
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

// ToolResult represents the result of a tool execution.
// Success is determined by whether Error is nil.
type ToolResult struct {
	Output string `json:"output"`
	Error  error  `json:"-"` // Excluded from JSON, use MarshalJSON for custom serialization
}

// MarshalJSON implements custom JSON marshaling for ToolResult.
func (t ToolResult) MarshalJSON() ([]byte, error) {
	if t.Error != nil {
		return json.Marshal(struct {
			Success bool   `json:"success"`
			Output  string `json:"output"`
			Error   string `json:"error"`
		}{
			Success: false,
			Output:  t.Output,
			Error:   t.Error.Error(),
		})
	}
	return json.Marshal(struct {
		Success bool   `json:"success"`
		Output  string `json:"output"`
	}{
		Success: true,
		Output:  t.Output,
	})
}

// Success returns true if the tool execution succeeded.
func (t ToolResult) Success() bool {
	return t.Error == nil
}

// SuccessResult creates a successful tool result.
func SuccessResult(output string) ToolResult {
	return ToolResult{Output: output}
}

// FailureResult creates a failed tool result.
func FailureResult(err error) ToolResult {
	return ToolResult{Error: err}
}

// FailureResultf creates a failed tool result with a formatted error message.
func FailureResultf(format string, args ...interface{}) ToolResult {
	return ToolResult{Error: fmt.Errorf(format, args...)}
}

// jsonResult marshals v as a successful result.
func jsonResult(v any) (ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return ToolResult{}, fmt.Errorf("failed to encode tool output: %w", err)
	}
	return SuccessResult(string(data)), nil
}

// Tool is the interface that all tools must implement.
//
// Execute returns a failed ToolResult for bad arguments the planner can fix,
// and an error for failures of the underlying services.
type Tool interface {
	// Metadata returns tool metadata (name, description, parameters).
	Metadata() ToolMetadata

	// Execute runs the tool with given arguments.
	Execute(ctx context.Context, args json.RawMessage) (ToolResult, error)

	// Validate validates arguments before execution (optional).
	Validate(args json.RawMessage) error
}

// BaseTool provides a default implementation for Validate.
type BaseTool struct{}

// Validate provides a default no-op validation.
func (BaseTool) Validate(args json.RawMessage) error {
	return nil
}

// decodeArgs unmarshals args into v; empty args decode as {}.
func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// ToolConfig holds tool execution configuration.
// The zero value is safe: timeout defaults to 60s and retries to 3.
type ToolConfig struct {
	Timeout    time.Duration
	MaxRetries uint32
}

// CallTimeout returns the configured timeout, defaulting to 60 seconds if zero.
func (c *ToolConfig) CallTimeout() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return 60 * time.Second
	}
	return c.Timeout
}

// Retries returns the configured max retries, defaulting to 3 if zero.
func (c *ToolConfig) Retries() uint32 {
	if c == nil || c.MaxRetries == 0 {
		return 3
	}
	return c.MaxRetries
}

// DefaultToolConfig returns the default tool configuration.
func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		Timeout:    60 * time.Second,
		MaxRetries: 3,
	}
}

// Session identifies whose data and credits a tool call touches.
type Session struct {
	ID     string
	UserID string
	Role   quota.Role
	// Lease, when set, is renewed before every write that allocates a search
	// number or commits a batch.
	Lease Lease
}

// Lease is the caller's hold on the session. Renew fails with
// checkpoint.ErrLockLost once another run owns the session.
type Lease interface {
	Renew(ctx context.Context) error
}

// hold renews the lease, if any, before a commit.
func (s Session) hold(ctx context.Context) error {
	if s.Lease == nil {
		return nil
	}
	if err := s.Lease.Renew(ctx); err != nil {
		return fmt.Errorf("session %s no longer held: %w", s.ID, err)
	}
	return nil
}

type sessionKey struct{}

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session carried by ctx.
func SessionFrom(ctx context.Context) (Session, error) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	if !ok || s.ID == "" {
		return Session{}, ErrNoSession
	}
	return s, nil
}
