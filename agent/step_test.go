package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Synthenova/conthunt-sub001/analysis"
	"github.com/Synthenova/conthunt-sub001/checkpoint"
	"github.com/Synthenova/conthunt-sub001/justify"
	"github.com/Synthenova/conthunt-sub001/objstore"
	"github.com/Synthenova/conthunt-sub001/platform"
	"github.com/Synthenova/conthunt-sub001/progress"
	"github.com/Synthenova/conthunt-sub001/quota"
	"github.com/Synthenova/conthunt-sub001/tools"
)

func output(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func args(t *testing.T, a Action) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(a.Args, &m))
	return m
}

func TestNewStateParsesMessages(t *testing.T) {
	st := NewState(Request{Message: "find viral cooking hacks"})
	assert.Equal(t, "viral cooking hacks", st.Query)
	assert.Equal(t, PhasePlan, st.Phase)

	st = NewState(Request{Message: "Search for  desk setups "})
	assert.Equal(t, "desk setups", st.Query)

	st = NewState(Request{Message: "latte art"})
	assert.Equal(t, "latte art", st.Query)

	st = NewState(Request{Message: "justify top-10 of search 1", Criterion: "hooks"})
	assert.Equal(t, 10, st.TopK)
	assert.Equal(t, 1, st.SearchNumber)
	assert.Equal(t, "hooks", st.Criterion)
	assert.Empty(t, st.Query)

	st = NewState(Request{Message: "Justify top 5 of search 2 for strong hooks"})
	assert.Equal(t, 5, st.TopK)
	assert.Equal(t, 2, st.SearchNumber)
	assert.Equal(t, "strong hooks", st.Criterion)
}

func TestStepRunsSearchRankAnalyzeReply(t *testing.T) {
	cfg := DefaultConfig()
	prog := progress.New()
	st := NewState(Request{SessionID: "s1", UserID: "u1", Message: "find viral cooking hacks"})

	st, a, _ := Step(st, Inbox{Progress: prog}, cfg)
	require.Equal(t, tools.NameSearch, a.Tool)
	assert.Equal(t, "viral cooking hacks", args(t, a)["query"])
	assert.Equal(t, PhaseSearch, st.Phase)
	require.NotNil(t, st.Pending)

	st, a, _ = Step(st, Inbox{Progress: prog, Result: &Observation{
		Tool:   tools.NameSearch,
		Output: output(t, tools.SearchOutput{SearchNumber: 1, Query: "viral cooking hacks", ItemCount: 12}),
	}}, cfg)
	require.Equal(t, tools.NameRankByViews, a.Tool)
	assert.Equal(t, float64(1), args(t, a)["search_number"])
	assert.Equal(t, float64(10), args(t, a)["top_k"])

	ranked := []tools.RefEntry{
		{Ref: "viral cooking hacks:V3", Title: "Egg trick", Views: 9000},
		{Ref: "viral cooking hacks:V1", Title: "Knife trick", Views: 500},
	}
	st, a, _ = Step(st, Inbox{Progress: prog, Result: &Observation{
		Tool:   tools.NameRankByViews,
		Output: output(t, tools.RankOutput{SearchNumber: 1, Query: "viral cooking hacks", Refs: ranked}),
	}}, cfg)
	require.Equal(t, tools.NameEnsureAnalysis, a.Tool)
	assert.Equal(t, []any{"viral cooking hacks:V3", "viral cooking hacks:V1"}, args(t, a)["refs"])

	st, a, out := Step(st, Inbox{Progress: prog, Result: &Observation{
		Tool: tools.NameEnsureAnalysis,
		Output: output(t, tools.AnalysisOutput{
			Results: []tools.AnalysisEntry{
				{Ref: "viral cooking hacks:V3", Status: tools.StatusAnalyzed},
				{Ref: "viral cooking hacks:V1", Status: tools.StatusQuotaExhausted},
			},
			Analyzed: 1, QuotaExhausted: 1,
		}),
	}}, cfg)
	require.Equal(t, tools.NameReply, a.Tool)
	assert.Equal(t, []Kind{KindQuota}, out.Notices)
	text := args(t, a)["text"].(string)
	assert.Contains(t, text, "[viral cooking hacks:V3] Egg trick (9000 views)")
	assert.Contains(t, text, "[viral cooking hacks:V1] Knife trick (500 views) - not analyzed")
	assert.Contains(t, text, "daily limit reached")

	st, a, _ = Step(st, Inbox{Progress: prog, Result: &Observation{Tool: tools.NameReply, Output: text}}, cfg)
	assert.True(t, a.Done())
	assert.Equal(t, PhaseDone, st.Phase)
	assert.Equal(t, text, st.Reply)
	assert.Equal(t, 4, st.Steps)
	assert.Nil(t, st.Pending)
}

func TestStepWithCriterionJustifiesRankedRefs(t *testing.T) {
	prog := progress.New()
	prog.AppendSearch("q", 12, prog.LastUpdatedAt)
	st := NewState(Request{Message: "justify top-2 of search 1", Criterion: "hooks"})

	st, a, _ := Step(st, Inbox{Progress: prog}, DefaultConfig())
	require.Equal(t, tools.NameRankByViews, a.Tool)
	assert.Equal(t, float64(2), args(t, a)["top_k"])

	st, a, _ = Step(st, Inbox{Progress: prog, Result: &Observation{
		Tool:   tools.NameRankByViews,
		Output: output(t, tools.RankOutput{SearchNumber: 1, Query: "q", Refs: []tools.RefEntry{{Ref: "q:V2"}, {Ref: "q:V1"}}}),
	}}, DefaultConfig())
	require.Equal(t, tools.NameJustifyAndRecord, a.Tool)
	m := args(t, a)
	assert.Equal(t, "hooks", m["criterion"])
	assert.Equal(t, float64(1), m["search_number"])
	assert.Equal(t, []any{"q:V2", "q:V1"}, m["refs"])

	prog.BumpCriteria("hooks", 1, 2)
	_, a, _ = Step(st, Inbox{Progress: prog, Result: &Observation{
		Tool: tools.NameJustifyAndRecord,
		Output: output(t, tools.JustifyOutput{
			Slug: "hooks", SearchNumber: 1, Batch: "hooks-001.json", Recorded: 2,
			Results: []tools.JustifyEntry{{Ref: "q:V2", Status: tools.StatusRecorded, Score: 0.9}},
		}),
	}}, DefaultConfig())
	require.Equal(t, tools.NameReply, a.Tool)
	text := args(t, a)["text"].(string)
	assert.Contains(t, text, "hooks-001.json")
	assert.Contains(t, text, "[q:V2] score 0.90")
	assert.Contains(t, text, "tracks 2 videos")
}

func TestStepUnknownSearchNumberReplies(t *testing.T) {
	st := NewState(Request{Message: "justify top-10 of search 4", Criterion: "hooks"})
	_, a, _ := Step(st, Inbox{Progress: progress.New()}, DefaultConfig())
	require.Equal(t, tools.NameReply, a.Tool)
	assert.Contains(t, args(t, a)["text"], "search 4 does not exist")
}

func TestStepStopsAtRecordCap(t *testing.T) {
	cfg := DefaultConfig()
	st := State{Phase: PhaseJustify, Criterion: "hooks", SearchNumber: 1}
	st, a, out := Step(st, Inbox{Result: &Observation{
		Tool:   tools.NameJustifyAndRecord,
		Output: output(t, tools.JustifyOutput{Slug: "hooks", SearchNumber: 1, Recorded: cfg.MaxRecordsPerRun + 1}),
	}}, cfg)
	assert.True(t, a.Done())
	assert.Equal(t, PhaseDone, st.Phase)
	assert.Contains(t, out.Closing, "201")

	// Exactly at the cap the run continues.
	st = State{Phase: PhaseJustify, Criterion: "hooks", SearchNumber: 1}
	_, a, _ = Step(st, Inbox{Result: &Observation{
		Tool:   tools.NameJustifyAndRecord,
		Output: output(t, tools.JustifyOutput{Slug: "hooks", SearchNumber: 1, Recorded: cfg.MaxRecordsPerRun}),
	}}, cfg)
	assert.Equal(t, tools.NameReply, a.Tool)
}

func TestStepRepliesAtStepBound(t *testing.T) {
	cfg := Config{MaxSteps: 3}
	st := State{Phase: PhaseSearch, Steps: 3}
	st, a, _ := Step(st, Inbox{Result: &Observation{
		Tool:   tools.NameSearch,
		Output: output(t, tools.SearchOutput{SearchNumber: 1, Query: "q"}),
	}}, cfg)
	assert.Equal(t, tools.NameReply, a.Tool)
	assert.Equal(t, PhaseReply, st.Phase)
}

func TestStepJustifierUnknownErrorIsFatal(t *testing.T) {
	st := State{Phase: PhaseJustify, SearchNumber: 1}
	st, a, out := Step(st, Inbox{Result: &Observation{Tool: tools.NameJustifyAndRecord, Kind: KindUnknown}}, DefaultConfig())
	assert.True(t, a.Done())
	assert.Equal(t, KindUnknown, st.Fatal)
	assert.Equal(t, UserMessage(KindUnknown), out.Closing)
}

func TestStepSearchFailureIsReported(t *testing.T) {
	st := State{Phase: PhaseSearch, Query: "q"}
	st, a, out := Step(st, Inbox{Result: &Observation{Tool: tools.NameSearch, Kind: KindTimeout}}, DefaultConfig())
	require.Equal(t, tools.NameReply, a.Tool)
	assert.Empty(t, st.Fatal)
	assert.Equal(t, []Kind{KindTimeout}, out.Notices)
	assert.Contains(t, args(t, a)["text"], UserMessage(KindTimeout))
}

func TestStepIsPure(t *testing.T) {
	st := NewState(Request{Message: "find q"})
	in := Inbox{Progress: progress.New()}
	s1, a1, _ := Step(st, in, DefaultConfig())
	s2, a2, _ := Step(st, in, DefaultConfig())
	assert.Equal(t, s1, s2)
	assert.Equal(t, a1, a2)
	assert.Equal(t, PhasePlan, st.Phase, "input state is not modified")
}

func TestApplyRecordsToolResultsInTranscript(t *testing.T) {
	st, _ := Apply(State{}, &Observation{Tool: tools.NameSearch, CallID: "c1", Failure: "query is required"})
	require.Len(t, st.Transcript, 1)
	assert.Equal(t, "tool", st.Transcript[0].Role)
	assert.Equal(t, "c1", st.Transcript[0].ToolCallID)
	assert.Equal(t, "error: query is required", st.Transcript[0].Content)
	assert.Equal(t, []string{"query is required"}, st.Failures)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{context.Canceled, KindCancelled},
		{fmt.Errorf("read: %w", objstore.ErrStoreCorrupt), KindStoreFatal},
		{fmt.Errorf("read: %w", objstore.ErrStoreUnavailable), KindStoreTransient},
		{checkpoint.ErrLocked, KindBusy},
		{quota.ErrQuotaExhausted, KindQuota},
		{analysis.ErrAnalysisFailed, KindAnalysis},
		{justify.ErrJustifierFailed, KindJustifier},
		{platform.ErrToolTimeout, KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("socket closed by peer 10.0.0.3"), KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestUserMessagesAreStable(t *testing.T) {
	assert.Equal(t, "session data unreadable", UserMessage(KindStoreFatal))
	assert.Contains(t, UserMessage(KindQuota), "daily limit reached")
	assert.Empty(t, UserMessage(""))
	assert.NotContains(t, UserMessage(KindUnknown), "10.0.0.3")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{DefaultTopK: 20, MaxTopK: 10}.Validate())
	assert.Error(t, Config{MaxTopK: tools.MaxRefsPerCall + 1}.Validate())
}
