package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/llm"
	"github.com/Synthenova/conthunt-sub001/progress"
	"github.com/Synthenova/conthunt-sub001/telemetry"
)

// Planner chooses the next action after folding the previous observation.
type Planner interface {
	Next(ctx context.Context, st State, in Inbox, cfg Config) (State, Action, Outbox, error)
}

// HeuristicPlanner runs the fixed pipeline of Step without any LLM.
type HeuristicPlanner struct{}

// Next delegates to Step.
func (HeuristicPlanner) Next(ctx context.Context, st State, in Inbox, cfg Config) (State, Action, Outbox, error) {
	st, a, out := Step(st, in, cfg)
	return st, a, out, nil
}

const plannerPrompt = `You are a research assistant for short-form video.
Use the tools to search the platform, rank results by views, analyze videos and
record videos that match a criterion. Refer to videos only by their refs, such as
"viral cooking hacks:V3". Analyses spend the user's daily credits, so analyze only
what the request needs. When you have the answer, call reply with the final text,
citing refs in square brackets.`

// LLMPlanner lets a tool-calling model choose actions. Policy guards from
// Step still apply: the cost cap, the step bound and fatal failures.
type LLMPlanner struct {
	provider llm.Provider
	tools    []llm.ToolDefinition
	logger   *zap.Logger
}

// NewLLMPlanner creates a planner over provider offering tools.
func NewLLMPlanner(provider llm.Provider, tools []llm.ToolDefinition, logger *zap.Logger) *LLMPlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMPlanner{provider: provider, tools: tools, logger: logger}
}

// Next folds the observation, then asks the model for one tool call.
// A reply without tool calls becomes the reply action.
func (p *LLMPlanner) Next(ctx context.Context, st State, in Inbox, cfg Config) (State, Action, Outbox, error) {
	cfg = cfg.withDefaults()
	st, out := Apply(st, in.Result)
	if next, action, closing, ok := guard(st, in.Progress, cfg); ok {
		out.Closing = closing
		return next, action, out, nil
	}

	if len(st.Transcript) == 0 {
		st.Transcript = append(st.Transcript, llm.UserMessage(openingMessage(st)))
	}
	messages := append([]llm.ChatMessage{llm.SystemMessage(plannerPrompt + sessionContext(in.Progress))}, st.Transcript...)

	resp, err := p.provider.ChatWithTools(ctx, messages, p.tools)
	if err != nil {
		return st, Action{}, out, fmt.Errorf("planner call failed: %w", err)
	}

	if len(resp.ToolCalls) == 0 {
		text := strings.TrimSpace(resp.Content)
		if text == "" {
			text = ComposeReply(st, in.Progress)
		}
		st.Transcript = append(st.Transcript, llm.AssistantMessage(text))
		st, a := issue(st, toolReply, map[string]any{"text": text})
		return st, a, out, nil
	}

	call := resp.ToolCalls[0]
	if len(resp.ToolCalls) > 1 {
		p.logger.Debug("planner proposed several tool calls, taking the first",
			zap.Int("calls", len(resp.ToolCalls)))
	}
	st.Transcript = append(st.Transcript, llm.ChatMessage{
		Role:      llm.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: []llm.ToolCall{call},
	})
	a := Action{Tool: call.Name, Args: call.Arguments, CallID: call.ID}
	if a.CallID == "" {
		a.CallID = call.Name
	}
	st.Phase = phaseOf(call.Name)
	st.Steps++
	st.Pending = &a
	p.logger.Debug("planner chose tool",
		zap.String("session_id", st.SessionID),
		zap.String("tool", call.Name),
		telemetry.Text("args", string(call.Arguments)))
	return st, a, out, nil
}

func openingMessage(st State) string {
	msg := st.Message
	if st.Criterion != "" {
		msg += fmt.Sprintf("\nCriterion: %s", st.Criterion)
	}
	if st.SearchNumber > 0 {
		msg += fmt.Sprintf("\nSearch number: %d", st.SearchNumber)
	}
	return msg
}

// sessionContext lists the searches already recorded in the session.
func sessionContext(p *progress.Progress) string {
	if p == nil || len(p.SearchOrder) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nSearches in this session:")
	for _, n := range p.SearchOrder {
		if e, ok := p.Search(n); ok {
			fmt.Fprintf(&b, "\n- search %d: %q (%d videos)", n, e.Query, e.ItemCount)
		}
	}
	for _, slug := range p.CriteriaSlugs() {
		fmt.Fprintf(&b, "\n- criterion %s: %d videos recorded", slug, p.Criteria[slug].TotalAnalyzed)
	}
	return b.String()
}

// Verify planners implement Planner
var (
	_ Planner = HeuristicPlanner{}
	_ Planner = (*LLMPlanner)(nil)
)
