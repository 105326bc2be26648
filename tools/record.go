package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/criteria"
	"github.com/Synthenova/conthunt-sub001/justify"
	"github.com/Synthenova/conthunt-sub001/layout"
	"github.com/Synthenova/conthunt-sub001/model"
	"github.com/Synthenova/conthunt-sub001/refs"
	"github.com/Synthenova/conthunt-sub001/telemetry"
)

// MaxCriterionLength bounds the criterion text sent to the justifier.
const MaxCriterionLength = 1000

// JustifyEntry is the outcome for one candidate ref.
type JustifyEntry struct {
	Ref    string  `json:"ref"`
	Status string  `json:"status"`
	Score  float64 `json:"score,omitempty"`
}

// JustifyOutput is the result of the justify_and_record tool.
type JustifyOutput struct {
	Slug            string         `json:"slug"`
	SearchNumber    int            `json:"search_number"`
	Batch           string         `json:"batch,omitempty"`
	Recorded        int            `json:"recorded"`
	AlreadyRecorded int            `json:"already_recorded"`
	QuotaExhausted  int            `json:"quota_exhausted"`
	AnalysisFailed  int            `json:"analysis_failed"`
	JustifyFailed   int            `json:"justify_failed"`
	Unresolved      int            `json:"unresolved"`
	Results         []JustifyEntry `json:"results"`
}

type justifyArgs struct {
	Criterion    string   `json:"criterion"`
	Slug         string   `json:"slug"`
	SearchNumber int      `json:"search_number"`
	Refs         []string `json:"refs"`
	TopK         int      `json:"top_k"`
}

// JustifyAndRecordTool scores candidates of one search against a criterion
// and commits the new rows as the next batch file.
type JustifyAndRecordTool struct {
	deps *Deps
}

// NewJustifyAndRecordTool creates the justify_and_record tool.
func NewJustifyAndRecordTool(deps *Deps) *JustifyAndRecordTool {
	return &JustifyAndRecordTool{deps: deps}
}

// Metadata returns tool metadata.
func (t *JustifyAndRecordTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name: NameJustifyAndRecord,
		Description: "Score videos of one search against a criterion and record the matches. " +
			"Videos already recorded for the criterion are skipped. Without refs, the top_k videos by views are used.",
		Parameters: []ToolParameter{
			{Name: "criterion", ParamType: "string", Description: "What the videos are judged on", Required: true},
			{Name: "search_number", ParamType: "integer", Description: "Search the candidates come from", Required: true},
			{Name: "slug", ParamType: "string", Description: "Criterion slug [a-z0-9-]+ (derived from the criterion when omitted)"},
			{Name: "refs", ParamType: "array", Items: "string", Description: "Candidate refs from that search"},
			{Name: "top_k", ParamType: "integer", Description: "Candidates by views when refs is empty (default 10, max 50)"},
		},
	}
}

// Validate checks the criterion, slug, search number and refs.
func (t *JustifyAndRecordTool) Validate(args json.RawMessage) error {
	var a justifyArgs
	if err := decodeArgs(args, &a); err != nil {
		return err
	}
	switch {
	case strings.TrimSpace(a.Criterion) == "":
		return errors.New("criterion is required")
	case len(a.Criterion) > MaxCriterionLength:
		return fmt.Errorf("criterion longer than %d bytes", MaxCriterionLength)
	case a.Slug != "" && !layout.ValidSlug(a.Slug):
		return fmt.Errorf("slug %q must match [a-z0-9-]+", a.Slug)
	case a.SearchNumber < 1:
		return errors.New("search_number must be at least 1")
	}
	if len(a.Refs) > 0 {
		return validateRefs(a.Refs)
	}
	return nil
}

// Execute runs analysis and justification with bounded fan-out, then writes
// the batch file followed by the progress bump. Nothing is written when no
// new row survives or when the justifier fails in an unrecoverable way.
// After a cancel, completed rows are still committed as one unit.
func (t *JustifyAndRecordTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	sess, err := SessionFrom(ctx)
	if err != nil {
		return ToolResult{}, err
	}
	var a justifyArgs
	if err := decodeArgs(args, &a); err != nil {
		return FailureResult(err), nil
	}
	criterion := strings.TrimSpace(a.Criterion)
	slug := a.Slug
	if slug == "" {
		slug = criteria.Slugify(criterion)
	}

	query, res, err := searchQuery(ctx, t.deps, sess.ID, a.SearchNumber)
	if err != nil || res.Error != nil {
		return res, err
	}

	cands, err := t.candidates(ctx, sess.ID, query, a)
	if err != nil {
		return ToolResult{}, err
	}

	out := JustifyOutput{Slug: slug, SearchNumber: a.SearchNumber}

	// Dedup against batch file contents, not progress.
	done, err := t.deps.Writer.DoneMediaIDs(ctx, sess.ID, slug, a.SearchNumber)
	if err != nil {
		return ToolResult{}, err
	}
	var fresh []candidate
	for _, c := range cands {
		if _, ok := done[c.mid]; ok && c.mid != "" {
			c.status = StatusAlreadyDone
			out.AlreadyRecorded++
			out.Results = append(out.Results, JustifyEntry{Ref: c.ref, Status: c.status})
			continue
		}
		fresh = append(fresh, c)
	}

	fresh, _, err = t.deps.analyzeAll(ctx, sess, fresh)
	if err != nil && !isCancel(err) {
		return ToolResult{}, err
	}
	cancelled := err != nil

	rows := make([]*model.BatchRow, len(fresh))
	scores := make([]float64, len(fresh))
	if !cancelled {
		err = fanOut(ctx, t.deps.parallelism(), len(fresh), func(ctx context.Context, i int) error {
			c := &fresh[i]
			if c.status != StatusAnalyzed {
				return nil
			}
			verdict, err := t.deps.Justifier.Justify(ctx, criterion, c.title, c.analysis)
			switch {
			case err == nil:
				scores[i] = verdict.Score
				rows[i] = &model.BatchRow{
					MediaAssetID: c.mid,
					Ref:          c.ref,
					Title:        c.title,
					Score:        verdict.Score,
					Reason:       verdict.Reason,
					RecordedAt:   t.deps.now().UTC(),
				}
			case errors.Is(err, justify.ErrJustifierFailed):
				c.status = StatusJustifyFailed
				t.deps.logger().Warn("justification skipped",
					zap.String("session_id", sess.ID),
					zap.String("ref", c.ref),
					telemetry.Err(err))
			default:
				return err
			}
			return nil
		})
		if err != nil && !isCancel(err) {
			return ToolResult{}, fmt.Errorf("justification aborted: %w", err)
		}
		cancelled = err != nil
	}

	var batchRows []model.BatchRow
	for i := range fresh {
		c := &fresh[i]
		if rows[i] != nil {
			c.status = StatusRecorded
			batchRows = append(batchRows, *rows[i])
		}
		switch c.status {
		case StatusQuotaExhausted:
			out.QuotaExhausted++
		case StatusAnalysisFailed:
			out.AnalysisFailed++
		case StatusJustifyFailed:
			out.JustifyFailed++
		case StatusUnresolved:
			out.Unresolved++
		}
		out.Results = append(out.Results, JustifyEntry{Ref: c.ref, Status: c.status, Score: scores[i]})
	}

	commitCtx := ctx
	if cancelled {
		var cancel context.CancelFunc
		commitCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), t.deps.commitTimeout())
		defer cancel()
	}
	if err := t.commit(commitCtx, sess, slug, criterion, a.SearchNumber, batchRows, &out); err != nil {
		return ToolResult{}, err
	}
	if cancelled {
		return ToolResult{}, ctx.Err()
	}
	return jsonResult(out)
}

// candidates returns the explicit refs, or the top-K of the search by views.
func (t *JustifyAndRecordTool) candidates(ctx context.Context, session, query string, a justifyArgs) ([]candidate, error) {
	items, err := t.deps.Inventory.LoadRaw(ctx, session, a.SearchNumber)
	if err != nil {
		return nil, err
	}
	byVideo := make(map[int]model.SearchItem, len(items))
	for _, it := range items {
		byVideo[it.VideoID] = it
	}

	if len(a.Refs) == 0 {
		top, err := t.deps.Inventory.TopByViews(ctx, session, a.SearchNumber, t.deps.topK(a.TopK))
		if err != nil {
			return nil, err
		}
		out := make([]candidate, 0, len(top))
		for _, it := range top {
			out = append(out, candidate{ref: refs.Format(query, it.VideoID), mid: it.MediaAssetID, title: it.Title})
		}
		return out, nil
	}

	out := make([]candidate, 0, len(a.Refs))
	seen := make(map[string]struct{}, len(a.Refs))
	for _, s := range a.Refs {
		c := candidate{ref: s}
		if ref, ok := refs.Parse(s); ok && ref.Query == query {
			if it, ok := byVideo[ref.N]; ok {
				c.ref, c.mid, c.title = ref.String(), it.MediaAssetID, it.Title
			}
		}
		if c.mid != "" {
			if _, dup := seen[c.mid]; dup {
				continue
			}
			seen[c.mid] = struct{}{}
		}
		out = append(out, c)
	}
	return out, nil
}

// commit writes the batch file and then the progress bump.
func (t *JustifyAndRecordTool) commit(ctx context.Context, sess Session, slug, criterion string, searchID int, rows []model.BatchRow, out *JustifyOutput) error {
	if len(rows) == 0 {
		return nil
	}
	if err := sess.hold(ctx); err != nil {
		return err
	}
	session := sess.ID
	c, err := t.deps.Writer.Record(ctx, session, slug, criterion, searchID, rows)
	if err != nil {
		return err
	}
	out.AlreadyRecorded += c.Skipped
	if c.Filename == "" {
		return nil
	}

	p, err := t.deps.Journal.Read(ctx, session)
	if err != nil {
		return err
	}
	p.BumpCriteria(slug, searchID, len(c.Rows))
	if err := t.deps.Journal.Write(ctx, session, p); err != nil {
		return err
	}
	t.deps.Metrics.RecordRows(len(c.Rows))

	out.Batch = c.Filename
	out.Recorded = len(c.Rows)
	return nil
}

// Verify JustifyAndRecordTool implements Tool
var _ Tool = (*JustifyAndRecordTool)(nil)
