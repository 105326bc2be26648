// Research tool registry.
//
// Information Hiding:
// - Tool lookup by name hidden
// - Conversion to provider tool definitions hidden

package tools

import (
	"fmt"
	"sort"

	"github.com/Synthenova/conthunt-sub001/llm"
)

// Registry is a fixed set of tools keyed by name.
type Registry struct {
	tools map[string]Tool
	names []string
}

// NewRegistry indexes tools by name. Duplicate names are an error.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Metadata().Name
		if _, exists := r.tools[name]; exists {
			return nil, fmt.Errorf("tool '%s' already registered", name)
		}
		r.tools[name] = t
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the tool names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Definitions returns provider tool definitions sorted by name.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.names))
	for _, name := range r.names {
		defs = append(defs, r.tools[name].Metadata().Definition())
	}
	return defs
}

// NewResearchRegistry creates a registry holding the five research tools over deps.
func NewResearchRegistry(deps *Deps) (*Registry, error) {
	registry, err := NewRegistry(
		NewSearchTool(deps),
		NewRankTool(deps),
		NewEnsureAnalysisTool(deps),
		NewJustifyAndRecordTool(deps),
		NewReplyTool(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register research tools: %w", err)
	}
	return registry, nil
}
