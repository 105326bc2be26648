// Package platformtest provides an in-memory video platform for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Synthenova/conthunt-sub001/model"
	"github.com/Synthenova/conthunt-sub001/platform"
)

// DefaultItems is the number of videos generated for an unknown query.
const DefaultItems = 12

var idSpace = uuid.MustParse("6f1c3a52-5c1e-4d8e-9a57-0c6b7e1d2f40")

// MediaID returns the deterministic media asset id of the i-th video of query.
func MediaID(query string, i int) string {
	return uuid.NewSHA1(idSpace, []byte(fmt.Sprintf("%s#%d", query, i))).String()
}

// Fake is a deterministic Searcher and Analyzer.
type Fake struct {
	// Delay is applied to every Analyze call.
	Delay time.Duration

	mu         sync.Mutex
	results    map[string][]model.SearchItem
	analyses   map[string]string
	failures   map[string]error
	searches   []string
	analyzeHit map[string]int
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		results:    make(map[string][]model.SearchItem),
		analyses:   make(map[string]string),
		failures:   make(map[string]error),
		analyzeHit: make(map[string]int),
	}
}

// Generate returns n deterministic videos for query with varied view counts.
func Generate(query string, n int) []model.SearchItem {
	items := make([]model.SearchItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, model.SearchItem{
			VideoID:      i,
			MediaAssetID: MediaID(query, i),
			Title:        fmt.Sprintf("%s #%d", query, i),
			Metrics:      model.Metrics{ViewCount: int64((i*7919)%97*1000 + i)},
			Source:       "tiktok",
		})
	}
	return items
}

// SetResults fixes the results returned for query.
func (f *Fake) SetResults(query string, items []model.SearchItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[query] = items
}

// SetAnalysis fixes the analysis returned for mid.
func (f *Fake) SetAnalysis(mid, markdown string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyses[mid] = markdown
}

// FailAnalysis makes Analyze return err for mid.
func (f *Fake) FailAnalysis(mid string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[mid] = err
}

// Search returns the configured or generated results for query.
func (f *Fake) Search(ctx context.Context, query, cursor string, pageSize int) (platform.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return platform.SearchResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, query)
	items, ok := f.results[query]
	if !ok {
		items = Generate(query, DefaultItems)
	}
	if pageSize > 0 && len(items) > pageSize {
		items = items[:pageSize]
	}
	return platform.SearchResult{Items: append([]model.SearchItem(nil), items...)}, nil
}

// Analyze returns the configured analysis, or a generated one.
func (f *Fake) Analyze(ctx context.Context, mid string) (string, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeHit[mid]++
	if err, ok := f.failures[mid]; ok {
		return "", err
	}
	if a, ok := f.analyses[mid]; ok {
		return a, nil
	}
	return fmt.Sprintf("## Analysis\nHook lands in the first second of video %s.", mid), nil
}

// Searches returns the queries searched so far.
func (f *Fake) Searches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.searches...)
}

// AnalyzeCalls returns how many times mid was analyzed.
func (f *Fake) AnalyzeCalls(mid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analyzeHit[mid]
}

// Verify Fake implements the platform interfaces
var (
	_ platform.Searcher = (*Fake)(nil)
	_ platform.Analyzer = (*Fake)(nil)
)
