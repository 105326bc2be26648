package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/refs"
)

// MaxRefsPerCall bounds the refs accepted by one analysis or justification call.
const MaxRefsPerCall = 50

// AnalysisEntry is the outcome for one ref.
type AnalysisEntry struct {
	Ref    string `json:"ref"`
	Status string `json:"status"`
	Chars  int    `json:"chars,omitempty"`
}

// AnalysisOutput is the result of the ensure_analysis tool.
type AnalysisOutput struct {
	Results        []AnalysisEntry `json:"results"`
	Analyzed       int             `json:"analyzed"`
	QuotaExhausted int             `json:"quota_exhausted"`
	Failed         int             `json:"failed"`
	Unresolved     int             `json:"unresolved"`
	// Remaining is the credit balance after the last charge; -1 when unmetered or not charged.
	Remaining int `json:"remaining"`
}

type refsArgs struct {
	Refs []string `json:"refs"`
}

func validateRefs(list []string) error {
	if len(list) == 0 {
		return errors.New("refs must not be empty")
	}
	if len(list) > MaxRefsPerCall {
		return fmt.Errorf("at most %d refs per call", MaxRefsPerCall)
	}
	for _, s := range list {
		if _, ok := refs.Parse(s); !ok {
			return fmt.Errorf("%q is not a ref of the form <query>:V<n>", s)
		}
	}
	return nil
}

// EnsureAnalysisTool makes sure each ref has a cached analysis, charging quota per build.
type EnsureAnalysisTool struct {
	deps *Deps
}

// NewEnsureAnalysisTool creates the ensure_analysis tool.
func NewEnsureAnalysisTool(deps *Deps) *EnsureAnalysisTool {
	return &EnsureAnalysisTool{deps: deps}
}

// Metadata returns tool metadata.
func (t *EnsureAnalysisTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        NameEnsureAnalysis,
		Description: "Analyze the given videos. Each new analysis spends one daily credit.",
		Parameters: []ToolParameter{
			{Name: "refs", ParamType: "array", Items: "string", Description: "Video refs such as \"query:V3\"", Required: true},
		},
	}
}

// Validate requires 1..MaxRefsPerCall well-formed refs.
func (t *EnsureAnalysisTool) Validate(args json.RawMessage) error {
	var a refsArgs
	if err := decodeArgs(args, &a); err != nil {
		return err
	}
	return validateRefs(a.Refs)
}

// Execute reports per-ref outcomes in input order.
func (t *EnsureAnalysisTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	sess, err := SessionFrom(ctx)
	if err != nil {
		return ToolResult{}, err
	}
	var a refsArgs
	if err := decodeArgs(args, &a); err != nil {
		return FailureResult(err), nil
	}

	resolved := t.deps.Resolver.ResolveBatch(ctx, sess.ID, a.Refs)
	cands := make([]candidate, len(a.Refs))
	for i, ref := range a.Refs {
		cands[i] = candidate{ref: ref, mid: resolved[ref]}
	}

	cands, last, err := t.deps.analyzeAll(ctx, sess, cands)
	if err != nil {
		return ToolResult{}, err
	}

	out := AnalysisOutput{Results: make([]AnalysisEntry, 0, len(cands)), Remaining: -1}
	if last.Reason != "" {
		out.Remaining = last.Remaining
	}
	for _, c := range cands {
		entry := AnalysisEntry{Ref: c.ref, Status: c.status}
		switch c.status {
		case StatusAnalyzed:
			entry.Chars = utf8.RuneCountInString(c.analysis)
			out.Analyzed++
		case StatusQuotaExhausted:
			out.QuotaExhausted++
		case StatusAnalysisFailed:
			out.Failed++
		case StatusUnresolved:
			out.Unresolved++
		}
		out.Results = append(out.Results, entry)
	}

	t.deps.logger().Info("analysis batch finished",
		zap.String("session_id", sess.ID),
		zap.Int("refs", len(cands)),
		zap.Int("analyzed", out.Analyzed),
		zap.Int("quota_exhausted", out.QuotaExhausted),
		zap.Int("failed", out.Failed))

	return jsonResult(out)
}

// Verify EnsureAnalysisTool implements Tool
var _ Tool = (*EnsureAnalysisTool)(nil)
