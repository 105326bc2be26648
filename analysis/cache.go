// Package analysis caches per-video LLM analyses.
//
// Information Hiding:
// - Cache key layout and record shape hidden
// - Single-flight coalescing of concurrent builds hidden
// - Scope (per-session or shared namespace) hidden behind Ensure

package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Synthenova/conthunt-sub001/layout"
	"github.com/Synthenova/conthunt-sub001/model"
	"github.com/Synthenova/conthunt-sub001/objstore"
)

// ErrAnalysisFailed is returned when the analyzer errors or returns nothing.
var ErrAnalysisFailed = errors.New("video analysis failed")

// Analyzer is the external video-analysis tool.
type Analyzer interface {
	Analyze(ctx context.Context, mediaAssetID string) (string, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, mediaAssetID string) (string, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, mediaAssetID string) (string, error) {
	return f(ctx, mediaAssetID)
}

// Cache ensures each media asset is analyzed at most once per namespace.
type Cache struct {
	store       *objstore.Store
	analyzer    Analyzer
	group       singleflight.Group
	logger      *zap.Logger
	shared      string
	callTimeout time.Duration
	now         func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithSharedNamespace stores analyses under ns instead of the caller's session,
// sharing them across sessions.
func WithSharedNamespace(ns string) Option {
	return func(c *Cache) { c.shared = ns }
}

// WithCallTimeout bounds each analyzer invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Cache) { c.callTimeout = d }
}

// WithClock overrides the clock used for cached_at.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a cache that delegates misses to analyzer.
func NewCache(store *objstore.Store, analyzer Analyzer, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		analyzer: analyzer,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) namespace(session string) string {
	if c.shared != "" {
		return c.shared
	}
	return session
}

// Lookup returns a cached analysis without invoking the analyzer.
func (c *Cache) Lookup(ctx context.Context, session, mediaAssetID string) (string, bool, error) {
	if err := validateID(mediaAssetID); err != nil {
		return "", false, err
	}
	return c.read(ctx, c.namespace(session), mediaAssetID)
}

// Ensure returns the analysis for mediaAssetID, building it on a miss.
// Concurrent calls for the same id coalesce to one analyzer invocation.
// A caller whose ctx ends stops waiting; the build itself runs to completion.
func (c *Cache) Ensure(ctx context.Context, session, mediaAssetID string) (string, error) {
	if err := validateID(mediaAssetID); err != nil {
		return "", err
	}
	ns := c.namespace(session)

	if text, ok, err := c.read(ctx, ns, mediaAssetID); err != nil {
		return "", err
	} else if ok {
		return text, nil
	}

	buildCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(ns+"\x00"+mediaAssetID, func() (any, error) {
		return c.build(buildCtx, ns, mediaAssetID)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// build runs inside the flight: recheck, analyze, persist.
func (c *Cache) build(ctx context.Context, ns, mid string) (string, error) {
	// A flight that finished just before this one started has already written.
	if text, ok, err := c.read(ctx, ns, mid); err != nil {
		return "", err
	} else if ok {
		return text, nil
	}

	callCtx := ctx
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	start := c.now()
	text, err := c.analyzer.Analyze(callCtx, mid)
	if err != nil {
		c.logger.Warn("video analysis failed",
			zap.String("session_id", ns),
			zap.String("media_asset_id", mid),
			zap.Error(err))
		return "", fmt.Errorf("%w: %s: %w", ErrAnalysisFailed, mid, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: %s: empty analysis", ErrAnalysisFailed, mid)
	}

	record := model.AnalysisRecord{
		MediaAssetID: mid,
		Analysis:     text,
		CachedAt:     c.now().UTC(),
		ContentHash:  ContentHash(text),
	}
	if err := c.store.WriteJSON(ctx, ns, layout.Analysis(mid), record); err != nil {
		// The analysis is still valid for this flight; a later Ensure rebuilds.
		c.logger.Warn("failed to cache analysis",
			zap.String("session_id", ns),
			zap.String("media_asset_id", mid),
			zap.Error(err))
		return text, nil
	}

	c.logger.Debug("analysis cached",
		zap.String("session_id", ns),
		zap.String("media_asset_id", mid),
		zap.Duration("took", c.now().Sub(start)))
	return text, nil
}

func (c *Cache) read(ctx context.Context, ns, mid string) (string, bool, error) {
	var record model.AnalysisRecord
	found, err := c.store.ReadJSON(ctx, ns, layout.Analysis(mid), &record)
	if err != nil {
		return "", false, fmt.Errorf("failed to read cached analysis %s: %w", mid, err)
	}
	if !found || strings.TrimSpace(record.Analysis) == "" {
		return "", false, nil
	}
	return record.Analysis, true, nil
}

// ContentHash returns the hex xxhash digest of an analysis.
func ContentHash(text string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(text))
}

func validateID(mid string) error {
	if mid == "" || strings.ContainsAny(mid, `/\`) || strings.Contains(mid, "..") {
		return fmt.Errorf("invalid media asset id %q", mid)
	}
	return nil
}
