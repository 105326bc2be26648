package justify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/llm"
	"github.com/Synthenova/conthunt-sub001/telemetry"
)

// ErrJustifierFailed is returned after the retry budget for a justification is spent.
var ErrJustifierFailed = errors.New("justification failed")

const (
	// MaxReasonBytes bounds the stored reason.
	MaxReasonBytes = 2048
	// maxAnalysisBytes bounds the analysis quoted into the prompt.
	maxAnalysisBytes = 24 * 1024
	// minVerbatimCheck is the shortest analysis checked for verbatim copying.
	minVerbatimCheck = 64
)

const systemPrompt = `You judge how well one short-form video matches a research criterion.
Reply with a JSON object {"score": <number from 0 to 1>, "reason": <string>}.
The reason is your own explanation in at most three sentences.
Never copy or quote the video analysis text into the reason.`

const strictPrompt = `Your previous reply was not usable. Reply with ONLY the JSON object
{"score": <number from 0 to 1>, "reason": "<your own short explanation>"} and nothing else.
Do not repeat the analysis.`

var verdictSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"score": {"type": "number", "minimum": 0, "maximum": 1},
		"reason": {"type": "string"}
	},
	"required": ["score", "reason"],
	"additionalProperties": false
}`)

// Result is a canonical justification.
type Result struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// verdict is the reply as decoded; absent fields stay nil.
type verdict struct {
	Score  *float64 `json:"score"`
	Reason *string  `json:"reason"`
}

// result rejects a reply that omits either field or leaves the reason blank.
func (v verdict) result() (Result, error) {
	switch {
	case v.Score == nil:
		return Result{}, fmt.Errorf("%w: missing score", ErrInvalidOutput)
	case v.Reason == nil || strings.TrimSpace(*v.Reason) == "":
		return Result{}, fmt.Errorf("%w: missing reason", ErrInvalidOutput)
	}
	return Result{Score: *v.Score, Reason: *v.Reason}, nil
}

// Justifier scores candidates against criteria.
type Justifier struct {
	provider    llm.Provider
	logger      *zap.Logger
	callTimeout time.Duration
}

// Option configures a Justifier.
type Option func(*Justifier)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(j *Justifier) { j.logger = l }
}

// WithCallTimeout bounds each LLM call.
func WithCallTimeout(d time.Duration) Option {
	return func(j *Justifier) { j.callTimeout = d }
}

// New creates a Justifier over provider.
func New(provider llm.Provider, opts ...Option) *Justifier {
	j := &Justifier{provider: provider, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Justify scores title and analysis against criteria.
//
// An unparseable reply gets one retry with a stricter prompt, and a timed-out
// call gets one plain retry; a second failure returns ErrJustifierFailed.
// Cancellation and other provider errors are returned as they are.
func (j *Justifier) Justify(ctx context.Context, criteria, title, analysis string) (Result, error) {
	call := StructuredCall[verdict]{Provider: j.provider, Name: "justification", Schema: verdictSchema}
	messages := []llm.ChatMessage{
		llm.SystemMessage(systemPrompt),
		llm.UserMessage(userPrompt(criteria, title, analysis)),
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		res, err := j.attempt(ctx, call, messages, analysis)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		switch {
		case errors.Is(err, ErrInvalidOutput):
			messages = append(messages, llm.SystemMessage(strictPrompt))
		case errors.Is(err, context.DeadlineExceeded):
			// retried unchanged
		default:
			return Result{}, fmt.Errorf("justifier call failed: %w", err)
		}
		j.logger.Debug("justification attempt failed",
			zap.Int("attempt", attempt),
			zap.String("strategy", string(call.Strategy())),
			telemetry.Err(err))
		lastErr = err
	}
	return Result{}, fmt.Errorf("%w: %w", ErrJustifierFailed, lastErr)
}

func (j *Justifier) attempt(ctx context.Context, call StructuredCall[verdict], messages []llm.ChatMessage, analysis string) (Result, error) {
	if j.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.callTimeout)
		defer cancel()
	}
	v, err := call.Do(ctx, messages)
	if err != nil {
		return Result{}, err
	}
	res, err := v.result()
	if err != nil {
		return Result{}, err
	}
	res = Canonicalize(res)
	if copiesAnalysis(res.Reason, analysis) {
		return Result{}, fmt.Errorf("%w: reason repeats the analysis", ErrInvalidOutput)
	}
	return res, nil
}

// Canonicalize clamps the score to [0,1] and trims the reason to MaxReasonBytes.
func Canonicalize(r Result) Result {
	switch {
	case math.IsNaN(r.Score) || r.Score < 0:
		r.Score = 0
	case r.Score > 1:
		r.Score = 1
	}
	r.Reason = truncateUTF8(strings.TrimSpace(r.Reason), MaxReasonBytes)
	return r
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

func copiesAnalysis(reason, analysis string) bool {
	analysis = strings.TrimSpace(analysis)
	if len(analysis) < minVerbatimCheck {
		return false
	}
	return strings.Contains(reason, analysis)
}

func userPrompt(criteria, title, analysis string) string {
	var b strings.Builder
	b.WriteString("Criterion: ")
	b.WriteString(strings.TrimSpace(criteria))
	b.WriteString("\nVideo title: ")
	b.WriteString(strings.TrimSpace(title))
	b.WriteString("\n\nVideo analysis:\n")
	b.WriteString(truncateUTF8(analysis, maxAnalysisBytes))
	return b.String()
}
