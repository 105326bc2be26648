// Agent state machine types.
//
// Information Hiding:
// - Durable state layout hidden behind State
// - Tool outcomes folded through Observation only

package agent

import (
	"encoding/json"

	"github.com/Synthenova/conthunt-sub001/llm"
	"github.com/Synthenova/conthunt-sub001/progress"
	"github.com/Synthenova/conthunt-sub001/tools"
)

// Phase is the state of the research machine. Outside Plan and Done it
// names the action that was issued last.
type Phase string

// Phases.
const (
	PhasePlan    Phase = "plan"
	PhaseSearch  Phase = "search"
	PhaseRank    Phase = "rank"
	PhaseAnalyze Phase = "analyze_batch"
	PhaseJustify Phase = "justify_record"
	PhaseReply   Phase = "reply"
	PhaseDone    Phase = "done"
)

const (
	toolSearch  = tools.NameSearch
	toolRank    = tools.NameRankByViews
	toolAnalyze = tools.NameEnsureAnalysis
	toolJustify = tools.NameJustifyAndRecord
	toolReply   = tools.NameReply
)

// phaseOf returns the phase entered by issuing tool.
func phaseOf(tool string) Phase {
	switch tool {
	case toolSearch:
		return PhaseSearch
	case toolRank:
		return PhaseRank
	case toolAnalyze:
		return PhaseAnalyze
	case toolJustify:
		return PhaseJustify
	case toolReply:
		return PhaseReply
	default:
		return PhasePlan
	}
}

// Action is the next tool call. The zero Action means the run is done.
type Action struct {
	Tool   string          `json:"tool,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	CallID string          `json:"call_id,omitempty"`
}

// Done reports whether no further tool call is wanted.
func (a Action) Done() bool {
	return a.Tool == ""
}

// Observation is the outcome of one executed Action.
// Exactly one of Output, Failure and Kind is meaningful.
type Observation struct {
	Tool   string `json:"tool"`
	CallID string `json:"call_id,omitempty"`
	// Output is the tool's JSON (or reply text) on success.
	Output string `json:"output,omitempty"`
	// Failure is a tool-level rejection the planner may correct.
	Failure string `json:"failure,omitempty"`
	// Kind classifies an execution error.
	Kind Kind `json:"kind,omitempty"`
}

// Inbox is everything Step reads besides State.
type Inbox struct {
	// Progress is a read-only snapshot of the session journal.
	Progress *progress.Progress
	// Result is the outcome of the previous action; nil on entry.
	Result *Observation
}

// Outbox carries what a step tells the outside world.
type Outbox struct {
	// Notices are the kinds newly raised by the folded observation.
	Notices []Kind
	// Closing is emitted to the user when the run ends without a reply.
	Closing string
}

// State is the durable state of one run. It is checkpointed after every
// transition. Progress and batch files stay authoritative for session data.
type State struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Message   string `json:"message"`

	Query        string `json:"query,omitempty"`
	Criterion    string `json:"criterion,omitempty"`
	TopK         int    `json:"top_k,omitempty"`
	SearchNumber int    `json:"search_number,omitempty"`

	Phase   Phase   `json:"phase"`
	Steps   int     `json:"steps"`
	Pending *Action `json:"pending,omitempty"`

	Ranked          []tools.RefEntry      `json:"ranked,omitempty"`
	Analysis        *tools.AnalysisOutput `json:"analysis,omitempty"`
	Justified       *tools.JustifyOutput  `json:"justified,omitempty"`
	RecordedThisRun int                   `json:"recorded_this_run"`

	Notices  []Kind   `json:"notices,omitempty"`
	Failures []string `json:"failures,omitempty"`
	Fatal    Kind     `json:"fatal,omitempty"`
	Reply    string   `json:"reply,omitempty"`

	// Transcript is the planner's chat history; never authoritative.
	Transcript []llm.ChatMessage `json:"transcript,omitempty"`
}

// notice records kind once.
func (s *State) notice(kind Kind) bool {
	for _, k := range s.Notices {
		if k == kind {
			return false
		}
	}
	s.Notices = append(s.Notices, kind)
	return true
}
