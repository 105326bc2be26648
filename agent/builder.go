// Runner builder for fluent configuration.
//
// Information Hiding:
// - Builder state management hidden
// - Default value application hidden
// - Tool registry construction hidden

package agent

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/checkpoint"
	"github.com/Synthenova/conthunt-sub001/llm"
	"github.com/Synthenova/conthunt-sub001/telemetry"
	"github.com/Synthenova/conthunt-sub001/tools"
)

// Builder provides fluent configuration for creating runners.
// Usage: agent.NewBuilder(deps).Checkpointer(cp).Build().
type Builder struct {
	deps         *tools.Deps
	config       Config
	toolConfig   tools.ToolConfig
	checkpointer checkpoint.Checkpointer
	plannerLLM   llm.Provider
	replyWriter  llm.Provider
	logger       *zap.Logger
	metrics      *telemetry.Metrics
}

// NewBuilder creates a builder over the research components.
func NewBuilder(deps *tools.Deps) *Builder {
	return &Builder{
		deps:       deps,
		config:     DefaultConfig(),
		toolConfig: tools.DefaultToolConfig(),
	}
}

// Config sets the run policies.
func (b *Builder) Config(cfg Config) *Builder {
	b.config = cfg
	return b
}

// ToolConfig sets per-call timeout and retries.
func (b *Builder) ToolConfig(cfg tools.ToolConfig) *Builder {
	b.toolConfig = cfg
	return b
}

// Checkpointer sets where run states and session locks live.
func (b *Builder) Checkpointer(cp checkpoint.Checkpointer) *Builder {
	b.checkpointer = cp
	return b
}

// PlannerLLM makes a tool-calling model plan instead of the fixed pipeline.
func (b *Builder) PlannerLLM(p llm.Provider) *Builder {
	b.plannerLLM = p
	return b
}

// ReplyWriter streams replies through p.
func (b *Builder) ReplyWriter(p llm.Provider) *Builder {
	b.replyWriter = p
	return b
}

// Logger sets the logger.
func (b *Builder) Logger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// Metrics sets the metrics sink for tool calls.
func (b *Builder) Metrics(m *telemetry.Metrics) *Builder {
	b.metrics = m
	return b
}

// Build creates the runner. Missing pieces default to the heuristic
// planner and an in-memory checkpointer.
func (b *Builder) Build() (*Runner, error) {
	if b.deps == nil {
		return nil, errors.New("research dependencies are required")
	}
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	cfg := b.config.withDefaults()

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b.deps.Parallelism = cfg.Parallelism
	b.deps.DefaultTopK = cfg.DefaultTopK
	b.deps.MaxTopK = cfg.MaxTopK
	if b.deps.Metrics == nil {
		b.deps.Metrics = b.metrics
	}

	registry, err := tools.NewResearchRegistry(b.deps)
	if err != nil {
		return nil, err
	}

	var planner Planner = HeuristicPlanner{}
	if b.plannerLLM != nil {
		planner = NewLLMPlanner(b.plannerLLM, registry.Definitions(), logger)
	}
	cp := b.checkpointer
	if cp == nil {
		cp = checkpoint.NewMemory()
	}

	return &Runner{
		registry: registry,
		executor: tools.NewExecutor(b.toolConfig,
			tools.WithExecutorLogger(logger),
			tools.WithExecutorMetrics(b.metrics)),
		journal:      b.deps.Journal,
		planner:      planner,
		checkpointer: cp,
		replyWriter:  b.replyWriter,
		config:       cfg,
		logger:       logger,
	}, nil
}
