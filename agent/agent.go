// Package agent drives a research session as a checkpointed state machine.
//
// Information Hiding:
// - Session locking and checkpoint bookkeeping hidden
// - Tool execution, retries and error classification hidden
// - Reply streaming hidden behind Sink
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/checkpoint"
	"github.com/Synthenova/conthunt-sub001/llm"
	"github.com/Synthenova/conthunt-sub001/objstore"
	"github.com/Synthenova/conthunt-sub001/progress"
	"github.com/Synthenova/conthunt-sub001/quota"
	"github.com/Synthenova/conthunt-sub001/telemetry"
	"github.com/Synthenova/conthunt-sub001/tools"
)

// CheckpointNamespace is the checkpointer namespace of run states.
const CheckpointNamespace = "research"

// releaseTimeout bounds the lock release after the run context ended.
const releaseTimeout = 5 * time.Second

// Request is one user turn in a session.
type Request struct {
	SessionID string
	UserID    string
	Role      quota.Role
	Message   string
	// Criterion, SearchNumber and TopK override what the message implies.
	Criterion    string
	SearchNumber int
	TopK         int
}

// Sink receives reply text as it is produced.
type Sink func(chunk string)

// Result summarizes a finished run.
type Result struct {
	Reply        string
	Phase        Phase
	Steps        int
	SearchNumber int
	Recorded     int
	Notices      []Kind
	Kind         Kind
	Resumed      bool
	Cancelled    bool
}

// Runner executes runs: one session at a time per session id.
type Runner struct {
	registry     *tools.Registry
	executor     *tools.Executor
	journal      *progress.Journal
	planner      Planner
	checkpointer checkpoint.Checkpointer
	replyWriter  llm.Provider
	config       Config
	logger       *zap.Logger
}

// Run executes req until a reply is delivered, a policy stops it, or ctx ends.
// Cancellation is not an error: Result.Cancelled is set and nothing half-done is kept.
func (r *Runner) Run(ctx context.Context, req Request, sink Sink) (Result, error) {
	if req.SessionID == "" || req.UserID == "" {
		return Result{}, errors.New("session and user are required")
	}
	if err := objstore.ValidateNamespace(req.SessionID); err != nil {
		return Result{}, fmt.Errorf("invalid session id: %w", err)
	}
	if sink == nil {
		sink = func(string) {}
	}

	lock, err := r.checkpointer.AcquireLock(ctx, req.SessionID, r.config.LockTTL)
	if err != nil {
		kind := Classify(err)
		sink(UserMessage(kind))
		return Result{Kind: kind}, fmt.Errorf("failed to lock session %s: %w", req.SessionID, err)
	}
	ls := &lease{session: req.SessionID, cp: r.checkpointer, ttl: r.config.LockTTL, logger: r.logger, lock: lock}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := r.checkpointer.ReleaseLock(rctx, ls.current()); err != nil {
			r.logger.Warn("session lock release failed",
				zap.String("session_id", req.SessionID), telemetry.Err(err))
		}
	}()

	// Losing the lock stops the run like a cancel, with the loss as its cause.
	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	go ls.heartbeat(ctx, stop)
	ctx = tools.WithSession(ctx, tools.Session{ID: req.SessionID, UserID: req.UserID, Role: req.Role, Lease: ls})

	st, resumed, err := r.load(ctx, req)
	if err != nil {
		return r.halt(st, sink, err)
	}
	res, err := r.loop(ctx, st, sink)
	res.Resumed = resumed
	return res, err
}

// load resumes an unfinished run of the same message, or starts a new one.
func (r *Runner) load(ctx context.Context, req Request) (State, bool, error) {
	fresh := NewState(req)
	cp, ok, err := r.checkpointer.Load(ctx, CheckpointNamespace, req.SessionID)
	if err != nil || !ok {
		return fresh, false, err
	}
	var st State
	if err := json.Unmarshal(cp.State, &st); err != nil {
		r.logger.Warn("discarding unreadable checkpoint",
			zap.String("session_id", req.SessionID), telemetry.Err(err))
		return fresh, false, nil
	}
	if st.Phase == PhaseDone || st.Message != req.Message || st.UserID != req.UserID {
		return fresh, false, nil
	}
	r.logger.Info("resuming run",
		zap.String("session_id", req.SessionID),
		zap.String("phase", string(st.Phase)),
		zap.Int("steps", st.Steps))
	return st, true, nil
}

func (r *Runner) loop(ctx context.Context, st State, sink Sink) (Result, error) {
	var obs *Observation
	var action Action
	pending := st.Pending != nil
	if pending {
		action = *st.Pending
	}

	// Each pass is one transition; the bound only guards against a planner
	// that ignores the step limit.
	for pass := 0; pass <= r.config.MaxSteps+2; pass++ {
		if ctx.Err() != nil {
			return r.interrupted(ctx, st, sink)
		}
		if !pending {
			prog, err := r.journal.Read(ctx, st.SessionID)
			if err != nil {
				if ctx.Err() != nil {
					return r.interrupted(ctx, st, sink)
				}
				return r.halt(st, sink, err)
			}

			var out Outbox
			st, action, out, err = r.planner.Next(ctx, st, Inbox{Progress: prog, Result: obs}, r.config)
			if err != nil {
				if ctx.Err() != nil {
					return r.interrupted(ctx, st, sink)
				}
				return r.halt(st, sink, err)
			}
			for _, k := range out.Notices {
				r.logger.Info("run notice", zap.String("session_id", st.SessionID), zap.String("kind", string(k)))
			}
			r.save(ctx, st)

			if action.Done() {
				if out.Closing != "" {
					sink(out.Closing)
					if st.Reply == "" {
						st.Reply = out.Closing
					}
				}
				return r.result(st), r.haltErr(st)
			}
		}
		pending = false

		obs = r.perform(ctx, st, action, sink)
		if obs.Kind == KindCancelled || ctx.Err() != nil {
			return r.interrupted(ctx, st, sink)
		}
	}
	return r.halt(st, sink, errors.New("step bound exceeded"))
}

// perform executes one action and classifies its outcome.
func (r *Runner) perform(ctx context.Context, st State, action Action, sink Sink) *Observation {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanAgentStep,
		attribute.String(telemetry.AttrSessionID, st.SessionID),
		attribute.String(telemetry.AttrAction, action.Tool))
	defer span.End()

	obs := &Observation{Tool: action.Tool, CallID: action.CallID}
	tool, ok := r.registry.Get(action.Tool)
	if !ok {
		obs.Failure = fmt.Sprintf("unknown tool %q", action.Tool)
		return obs
	}

	res, err := r.executor.Execute(ctx, tool, action.Args)
	telemetry.MarkSpanResult(span, err)
	switch {
	case err != nil:
		obs.Kind = Classify(err)
		if obs.Kind != KindCancelled {
			r.logger.Warn("tool failed",
				zap.String("session_id", st.SessionID),
				zap.String("tool", action.Tool),
				zap.String("kind", string(obs.Kind)),
				telemetry.Err(err))
		}
	case !res.Success():
		obs.Failure = res.Error.Error()
	case action.Tool == toolReply:
		obs.Output = r.stream(ctx, st, res.Output, sink)
	default:
		obs.Output = res.Output
	}
	return obs
}

const replyWriterPrompt = `Rewrite the research summary below as a short, friendly reply to the user.
Keep every ref in square brackets exactly as written and keep every note.
Do not mention videos that are not in the summary.`

// stream delivers the reply text, through the reply writer when one is set,
// then appends any notice the text does not already carry.
func (r *Runner) stream(ctx context.Context, st State, text string, sink Sink) string {
	var b strings.Builder
	emit := func(s string) {
		b.WriteString(s)
		sink(s)
	}

	written := false
	if r.replyWriter != nil {
		chunks := make(chan string, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for c := range chunks {
				emit(tools.ScrubIDs(c))
			}
		}()
		_, err := r.replyWriter.StreamChat(ctx, []llm.ChatMessage{
			llm.SystemMessage(replyWriterPrompt),
			llm.UserMessage(text),
		}, chunks)
		close(chunks)
		<-done
		written = err == nil && b.Len() > 0
		if err != nil {
			r.logger.Warn("reply writer failed, sending summary",
				zap.String("session_id", st.SessionID), telemetry.Err(err))
		}
	}
	if !written {
		if b.Len() > 0 {
			emit("\n\n")
		}
		for _, word := range strings.SplitAfter(text, " ") {
			if word != "" {
				emit(word)
			}
		}
	}

	lower := strings.ToLower(b.String())
	for _, k := range st.Notices {
		msg := UserMessage(k)
		if !strings.Contains(lower, strings.ToLower(msg)) {
			emit("\n\nNote: " + msg + ".")
		}
	}
	return b.String()
}

func (r *Runner) save(ctx context.Context, st State) {
	if st.Fatal == KindBusy {
		// Another run owns the session and its checkpoint.
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		r.logger.Error("failed to encode run state", zap.String("session_id", st.SessionID), zap.Error(err))
		return
	}
	if _, err := r.checkpointer.Save(ctx, CheckpointNamespace, st.SessionID, data); err != nil {
		// Progress stays authoritative; a lost checkpoint only costs a resume.
		r.logger.Warn("checkpoint save failed", zap.String("session_id", st.SessionID), telemetry.Err(err))
	}
}

// halt stops the run on err, telling the user only the stable message.
func (r *Runner) halt(st State, sink Sink, err error) (Result, error) {
	kind := Classify(err)
	if kind == KindUnknown || kind == KindStoreFatal || kind == KindStoreTransient {
		st.Fatal = kind
	}
	st.Phase = PhaseDone
	msg := UserMessage(kind)
	sink(msg)
	st.Reply = msg
	r.logger.Error("run halted",
		zap.String("session_id", st.SessionID),
		zap.String("kind", string(kind)),
		telemetry.Err(err))
	res := r.result(st)
	res.Kind = kind
	return res, fmt.Errorf("%w: %w", ErrHalted, err)
}

func (r *Runner) haltErr(st State) error {
	if st.Fatal == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrHalted, st.Fatal)
}

// interrupted ends a run whose context is done: a halt when the session
// lock was lost, a cancellation otherwise.
func (r *Runner) interrupted(ctx context.Context, st State, sink Sink) (Result, error) {
	if cause := context.Cause(ctx); errors.Is(cause, checkpoint.ErrLockLost) {
		st.Fatal = KindBusy
		return r.halt(st, sink, cause)
	}
	return r.cancelled(st), nil
}

func (r *Runner) cancelled(st State) Result {
	r.logger.Info("run cancelled",
		zap.String("session_id", st.SessionID),
		zap.String("phase", string(st.Phase)))
	res := r.result(st)
	res.Cancelled = true
	res.Kind = KindCancelled
	return res
}

func (r *Runner) result(st State) Result {
	return Result{
		Reply:        st.Reply,
		Phase:        st.Phase,
		Steps:        st.Steps,
		SearchNumber: st.SearchNumber,
		Recorded:     st.RecordedThisRun,
		Notices:      st.Notices,
		Kind:         st.Fatal,
	}
}
