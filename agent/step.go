// Pure transition function of the research machine.
//
// Information Hiding:
// - Message interpretation heuristics hidden
// - Reply composition hidden
// - No I/O: every input arrives through State and Inbox

package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Synthenova/conthunt-sub001/llm"
	"github.com/Synthenova/conthunt-sub001/progress"
	"github.com/Synthenova/conthunt-sub001/tools"
)

var (
	justifyPattern = regexp.MustCompile(`(?i)^\s*justify\s+top-?\s*(\d+)\s+of\s+search\s+(\d+)(?:\s+(?:for|against|on)\s+(.+?))?\s*$`)
	findPattern    = regexp.MustCompile(`(?i)^\s*(?:find|search\s+for|search|look\s+for|show\s+me)\s+(.+?)\s*$`)
)

// NewState returns the entry state for a request.
func NewState(req Request) State {
	st := State{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		Role:         string(req.Role),
		Message:      req.Message,
		Phase:        PhasePlan,
		Criterion:    strings.TrimSpace(req.Criterion),
		SearchNumber: req.SearchNumber,
		TopK:         req.TopK,
	}
	msg := strings.TrimSpace(req.Message)
	if m := justifyPattern.FindStringSubmatch(msg); m != nil {
		if st.TopK == 0 {
			st.TopK, _ = strconv.Atoi(m[1])
		}
		if st.SearchNumber == 0 {
			st.SearchNumber, _ = strconv.Atoi(m[2])
		}
		if st.Criterion == "" {
			st.Criterion = m[3]
		}
		return st
	}
	if st.SearchNumber > 0 {
		return st
	}
	if m := findPattern.FindStringSubmatch(msg); m != nil {
		st.Query = m[1]
	} else {
		st.Query = msg
	}
	return st
}

// Step folds the previous observation into st and chooses the next action
// with the fixed search, rank, analyze or justify, reply pipeline.
func Step(st State, in Inbox, cfg Config) (State, Action, Outbox) {
	cfg = cfg.withDefaults()
	st, out := Apply(st, in.Result)
	if next, action, closing, ok := guard(st, in.Progress, cfg); ok {
		out.Closing = closing
		return next, action, out
	}
	st, action := decide(st, in.Progress, cfg)
	return st, action, out
}

// Apply folds obs into st. A nil obs leaves st unchanged.
func Apply(st State, obs *Observation) (State, Outbox) {
	var out Outbox
	if obs == nil {
		return st, out
	}
	st.Pending = nil
	raise := func(k Kind) {
		if st.notice(k) {
			out.Notices = append(out.Notices, k)
		}
	}

	switch {
	case obs.Kind != "":
		if fatalFor(obs.Tool, obs.Kind) {
			st.Fatal = obs.Kind
		} else {
			raise(obs.Kind)
		}
	case obs.Failure != "":
		st.Failures = append(st.Failures, obs.Failure)
	default:
		applyOutput(&st, obs, raise)
	}

	if obs.CallID != "" {
		st.Transcript = append(st.Transcript, llm.ToolResultMessage(obs.CallID, transcriptContent(obs)))
	}
	return st, out
}

func applyOutput(st *State, obs *Observation, raise func(Kind)) {
	switch obs.Tool {
	case toolSearch:
		var o tools.SearchOutput
		if json.Unmarshal([]byte(obs.Output), &o) == nil {
			st.SearchNumber, st.Query = o.SearchNumber, o.Query
			st.Ranked = nil
		}
	case toolRank:
		var o tools.RankOutput
		if json.Unmarshal([]byte(obs.Output), &o) == nil {
			st.SearchNumber, st.Query, st.Ranked = o.SearchNumber, o.Query, o.Refs
		}
	case toolAnalyze:
		var o tools.AnalysisOutput
		if json.Unmarshal([]byte(obs.Output), &o) == nil {
			st.Analysis = &o
			if o.QuotaExhausted > 0 {
				raise(KindQuota)
			}
			if o.Failed > 0 {
				raise(KindAnalysis)
			}
		}
	case toolJustify:
		var o tools.JustifyOutput
		if json.Unmarshal([]byte(obs.Output), &o) == nil {
			st.Justified = &o
			st.RecordedThisRun += o.Recorded
			if o.QuotaExhausted > 0 {
				raise(KindQuota)
			}
			if o.AnalysisFailed > 0 {
				raise(KindAnalysis)
			}
			if o.JustifyFailed > 0 {
				raise(KindJustifier)
			}
		}
	case toolReply:
		st.Reply = obs.Output
		st.Phase = PhaseDone
	}
}

func transcriptContent(obs *Observation) string {
	switch {
	case obs.Kind != "":
		return "error: " + UserMessage(obs.Kind)
	case obs.Failure != "":
		return "error: " + obs.Failure
	default:
		return obs.Output
	}
}

// guard applies the policies that override any planner. ok is false when
// the planner should choose.
func guard(st State, prog *progress.Progress, cfg Config) (State, Action, string, bool) {
	switch {
	case st.Phase == PhaseDone:
		return st, Action{}, "", true
	case st.Fatal != "":
		st.Phase, st.Pending = PhaseDone, nil
		return st, Action{}, UserMessage(st.Fatal), true
	case st.RecordedThisRun > cfg.MaxRecordsPerRun:
		st.Phase, st.Pending = PhaseDone, nil
		return st, Action{}, fmt.Sprintf("Stopped after recording %d videos in this run.", st.RecordedThisRun), true
	case st.Phase == PhaseReply:
		// The reply was issued; its outcome does not change what comes next.
		st.Phase, st.Pending = PhaseDone, nil
		return st, Action{}, "", true
	case st.Steps >= cfg.MaxSteps:
		st, a := issue(st, toolReply, map[string]any{"text": ComposeReply(st, prog)})
		return st, a, "", true
	}
	return st, Action{}, "", false
}

// decide picks the next action of the fixed pipeline.
func decide(st State, prog *progress.Progress, cfg Config) (State, Action) {
	reply := func() (State, Action) {
		return issue(st, toolReply, map[string]any{"text": ComposeReply(st, prog)})
	}
	rank := func() (State, Action) {
		return issue(st, toolRank, map[string]any{"search_number": st.SearchNumber, "top_k": clampTopK(st.TopK, cfg)})
	}

	switch st.Phase {
	case PhasePlan:
		switch {
		case st.SearchNumber > 0:
			if prog != nil {
				if _, ok := prog.Search(st.SearchNumber); !ok {
					st.Failures = append(st.Failures, fmt.Sprintf("search %d does not exist in this session", st.SearchNumber))
					return reply()
				}
			}
			return rank()
		case strings.TrimSpace(st.Query) == "":
			return reply()
		default:
			return issue(st, toolSearch, map[string]any{"query": st.Query})
		}
	case PhaseSearch:
		if st.SearchNumber == 0 {
			return reply()
		}
		return rank()
	case PhaseRank:
		if len(st.Ranked) == 0 {
			return reply()
		}
		list := make([]string, len(st.Ranked))
		for i, r := range st.Ranked {
			list[i] = r.Ref
		}
		if st.Criterion != "" {
			return issue(st, toolJustify, map[string]any{
				"criterion":     st.Criterion,
				"search_number": st.SearchNumber,
				"refs":          list,
			})
		}
		return issue(st, toolAnalyze, map[string]any{"refs": list})
	default:
		return reply()
	}
}

// issue records action as pending and enters its phase.
func issue(st State, tool string, args map[string]any) (State, Action) {
	data, _ := json.Marshal(args)
	a := Action{Tool: tool, Args: data}
	st.Phase = phaseOf(tool)
	st.Steps++
	st.Pending = &a
	return st, a
}

func clampTopK(k int, cfg Config) int {
	if k <= 0 {
		k = cfg.DefaultTopK
	}
	if k > cfg.MaxTopK {
		k = cfg.MaxTopK
	}
	return k
}

// ComposeReply renders what the run found, citing videos by ref only.
func ComposeReply(st State, prog *progress.Progress) string {
	var b strings.Builder
	switch {
	case st.Justified != nil:
		j := st.Justified
		if j.Recorded > 0 {
			fmt.Fprintf(&b, "Recorded %d new videos for %q from search %d in %s.", j.Recorded, st.Criterion, j.SearchNumber, j.Batch)
		} else {
			fmt.Fprintf(&b, "No new videos were recorded for %q from search %d.", st.Criterion, j.SearchNumber)
		}
		if j.AlreadyRecorded > 0 {
			fmt.Fprintf(&b, " %d were already recorded.", j.AlreadyRecorded)
		}
		if prog != nil {
			if total := prog.Recorded(j.Slug, j.SearchNumber); total > 0 {
				fmt.Fprintf(&b, " The criterion now tracks %d videos for this search.", total)
			}
		}
		for _, r := range j.Results {
			if r.Status == tools.StatusRecorded {
				fmt.Fprintf(&b, "\n- [%s] score %.2f", r.Ref, r.Score)
			}
		}
	case len(st.Ranked) > 0:
		fmt.Fprintf(&b, "Top videos for %q (search %d):", st.Query, st.SearchNumber)
		status := map[string]string{}
		if st.Analysis != nil {
			for _, r := range st.Analysis.Results {
				status[r.Ref] = r.Status
			}
		}
		for i, r := range st.Ranked {
			fmt.Fprintf(&b, "\n%d. [%s] %s (%d views)", i+1, r.Ref, r.Title, r.Views)
			if s := status[r.Ref]; s != "" && s != tools.StatusAnalyzed {
				b.WriteString(" - not analyzed")
			}
		}
		if st.Analysis != nil && st.Analysis.Analyzed > 0 {
			fmt.Fprintf(&b, "\nAnalyzed %d of them.", st.Analysis.Analyzed)
		}
	case st.SearchNumber > 0 && st.Query != "":
		fmt.Fprintf(&b, "Search %d for %q returned no videos.", st.SearchNumber, st.Query)
	case len(st.Failures) == 0 && len(st.Notices) == 0:
		b.WriteString(`Tell me what to look for, for example "find viral cooking hacks".`)
	}

	for _, f := range st.Failures {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Could not complete a step: " + f + ".")
	}
	for _, k := range st.Notices {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Note: " + UserMessage(k) + ".")
	}
	return b.String()
}
