// Shared dependencies and helpers of the research tools.
//
// Information Hiding:
// - Quota-gated analysis path shared by every paid tool
// - Bounded fan-out with results reassembled in input order

package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Synthenova/conthunt-sub001/analysis"
	"github.com/Synthenova/conthunt-sub001/criteria"
	"github.com/Synthenova/conthunt-sub001/inventory"
	"github.com/Synthenova/conthunt-sub001/justify"
	"github.com/Synthenova/conthunt-sub001/objstore"
	"github.com/Synthenova/conthunt-sub001/platform"
	"github.com/Synthenova/conthunt-sub001/progress"
	"github.com/Synthenova/conthunt-sub001/quota"
	"github.com/Synthenova/conthunt-sub001/refs"
	"github.com/Synthenova/conthunt-sub001/telemetry"
)

// Defaults for Deps fields left zero.
const (
	DefaultParallelism   = 8
	DefaultTopK          = 10
	DefaultMaxTopK       = 50
	DefaultCommitTimeout = 10 * time.Second
)

// Per-ref outcomes reported by the analysis and justification tools.
const (
	StatusAnalyzed       = "analyzed"
	StatusQuotaExhausted = "quota_exhausted"
	StatusAnalysisFailed = "analysis_failed"
	StatusUnresolved     = "unresolved"
	StatusJustifyFailed  = "justify_failed"
	StatusRecorded       = "recorded"
	StatusAlreadyDone    = "already_recorded"
)

// Charger decides whether a user may spend a credit on a resource.
type Charger interface {
	CheckAndRecord(ctx context.Context, userID string, role quota.Role, kind, resourceID string) (quota.Decision, error)
}

// Scorer justifies one candidate against a criterion.
type Scorer interface {
	Justify(ctx context.Context, criteria, title, analysis string) (justify.Result, error)
}

// Deps wires the research tools to the session components.
type Deps struct {
	Store     *objstore.Store
	Journal   *progress.Journal
	Inventory *inventory.Inventory
	Resolver  *refs.Resolver
	Cache     *analysis.Cache
	Writer    *criteria.Writer
	Ledger    Charger
	Justifier Scorer
	Searcher  platform.Searcher

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time

	// Parallelism bounds concurrent sub-calls within one tool call.
	Parallelism int
	// AnalysisSlots, when set, bounds analyzer calls across all sessions.
	AnalysisSlots *semaphore.Weighted
	PageSize      int
	DefaultTopK   int
	MaxTopK       int
	// CommitTimeout bounds the final batch and progress writes after a cancel.
	CommitTimeout time.Duration
}

// NewDeps builds the component graph over one object store.
func NewDeps(store *objstore.Store, analyzer analysis.Analyzer, searcher platform.Searcher, ledger Charger, justifier Scorer, logger *zap.Logger, cacheOpts ...analysis.Option) *Deps {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append([]analysis.Option{analysis.WithLogger(logger)}, cacheOpts...)
	return &Deps{
		Store:     store,
		Journal:   progress.NewJournal(store),
		Inventory: inventory.New(store),
		Resolver:  refs.NewResolver(store, logger),
		Cache:     analysis.NewCache(store, analyzer, opts...),
		Writer:    criteria.NewWriter(store, logger),
		Ledger:    ledger,
		Justifier: justifier,
		Searcher:  searcher,
		Logger:    logger,
	}
}

func (d *Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

func (d *Deps) parallelism() int {
	if d.Parallelism <= 0 {
		return DefaultParallelism
	}
	return d.Parallelism
}

func (d *Deps) pageSize() int {
	if d.PageSize <= 0 {
		return platform.DefaultPageSize
	}
	return d.PageSize
}

// topK clamps a requested K to [1, MaxTopK], substituting the default for k <= 0.
func (d *Deps) topK(k int) int {
	def, maxK := d.DefaultTopK, d.MaxTopK
	if def <= 0 {
		def = DefaultTopK
	}
	if maxK <= 0 {
		maxK = DefaultMaxTopK
	}
	if k <= 0 {
		k = def
	}
	if k > maxK {
		k = maxK
	}
	return k
}

func (d *Deps) commitTimeout() time.Duration {
	if d.CommitTimeout <= 0 {
		return DefaultCommitTimeout
	}
	return d.CommitTimeout
}

// candidate is one ref moving through analysis and justification.
type candidate struct {
	ref      string
	mid      string
	title    string
	status   string
	analysis string
}

// analyzeAll resolves each ref, charges quota in input order, then builds
// analyses for the charged refs with bounded concurrency. Per-ref failures
// are reported in status. Store, ledger and cancellation errors are returned.
// Every cached analysis is read before the first charge, so an unreadable
// cache fails the call with nothing billed.
func (d *Deps) analyzeAll(ctx context.Context, sess Session, cands []candidate) ([]candidate, quota.Decision, error) {
	var last quota.Decision
	misses := make([]int, 0, len(cands))
	for i := range cands {
		c := &cands[i]
		if c.mid == "" {
			c.status = StatusUnresolved
			continue
		}
		text, ok, err := d.Cache.Lookup(ctx, sess.ID, c.mid)
		switch {
		case isStoreErr(err):
			return nil, last, err
		case err != nil && ctx.Err() != nil:
			return cands, last, ctx.Err()
		case err != nil:
			c.status = StatusAnalysisFailed
		case ok:
			c.status, c.analysis = StatusAnalyzed, text
		default:
			misses = append(misses, i)
		}
	}

	pending := make([]int, 0, len(misses))
	for _, i := range misses {
		c := &cands[i]
		dec, err := d.Ledger.CheckAndRecord(ctx, sess.UserID, sess.Role, quota.KindAnalysis, c.mid)
		if err != nil {
			return nil, last, fmt.Errorf("failed to check quota: %w", err)
		}
		last = dec
		if !dec.Allowed {
			c.status = StatusQuotaExhausted
			continue
		}
		pending = append(pending, i)
	}

	err := fanOut(ctx, d.parallelism(), len(pending), func(ctx context.Context, k int) error {
		c := &cands[pending[k]]
		if d.AnalysisSlots != nil {
			if err := d.AnalysisSlots.Acquire(ctx, 1); err != nil {
				return err
			}
			defer d.AnalysisSlots.Release(1)
		}
		text, err := d.Cache.Ensure(ctx, sess.ID, c.mid)
		switch {
		case err == nil:
			c.status, c.analysis = StatusAnalyzed, text
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, objstore.ErrStoreCorrupt):
			return err
		default:
			c.status = StatusAnalysisFailed
			d.logger().Warn("analysis failed",
				zap.String("session_id", sess.ID),
				zap.String("ref", c.ref),
				telemetry.Err(err))
		}
		return nil
	})
	if err != nil {
		return cands, last, err
	}
	return cands, last, nil
}

func isStoreErr(err error) bool {
	return errors.Is(err, objstore.ErrStoreCorrupt) || errors.Is(err, objstore.ErrStoreUnavailable)
}

// fanOut runs fn for indices [0, n) with at most limit in flight.
// The first error cancels the rest and is returned.
func fanOut(ctx context.Context, limit, n int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// isCancel reports whether err stems from the caller's context.
func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
