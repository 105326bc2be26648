// Package progress implements the per-session progress journal.
//
// Information Hiding:
// - Storage location and default filling hidden
// - Timestamp stamping on write hidden
// - No locking: callers serialize writes through the session lock

package progress

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Synthenova/conthunt-sub001/layout"
	"github.com/Synthenova/conthunt-sub001/objstore"
)

// SearchEntry records one search in the journal. Immutable once written.
type SearchEntry struct {
	Query     string    `json:"query"`
	CreatedAt time.Time `json:"created_at"`
	ItemCount int       `json:"item_count"`
}

// CriterionTally counts recorded rows for one criterion.
type CriterionTally struct {
	TotalAnalyzed int            `json:"total_analyzed"`
	BySearchID    map[string]int `json:"by_search_id"`
}

// Progress is the durable per-session record.
type Progress struct {
	SearchOrder   []int                     `json:"search_order"`
	Searches      map[string]SearchEntry    `json:"searches"`
	Criteria      map[string]CriterionTally `json:"criteria"`
	LastUpdatedAt time.Time                 `json:"last_updated_at"`
}

// New returns an empty Progress with all maps allocated.
func New() *Progress {
	return &Progress{
		SearchOrder: []int{},
		Searches:    make(map[string]SearchEntry),
		Criteria:    make(map[string]CriterionTally),
	}
}

func (p *Progress) fillDefaults() {
	if p.SearchOrder == nil {
		p.SearchOrder = []int{}
	}
	if p.Searches == nil {
		p.Searches = make(map[string]SearchEntry)
	}
	if p.Criteria == nil {
		p.Criteria = make(map[string]CriterionTally)
	}
	for slug, tally := range p.Criteria {
		if tally.BySearchID == nil {
			tally.BySearchID = make(map[string]int)
			p.Criteria[slug] = tally
		}
	}
}

// NextSearchNumber returns the number the next search must take.
func (p *Progress) NextSearchNumber() int {
	return len(p.SearchOrder) + 1
}

// AppendSearch allocates the next search number and records the search.
func (p *Progress) AppendSearch(query string, itemCount int, at time.Time) int {
	n := p.NextSearchNumber()
	p.SearchOrder = append(p.SearchOrder, n)
	p.Searches[strconv.Itoa(n)] = SearchEntry{
		Query:     query,
		CreatedAt: at.UTC(),
		ItemCount: itemCount,
	}
	return n
}

// Search returns the entry for a search number.
func (p *Progress) Search(number int) (SearchEntry, bool) {
	e, ok := p.Searches[strconv.Itoa(number)]
	return e, ok
}

// SearchByQuery returns the most recent search number recorded for query.
func (p *Progress) SearchByQuery(query string) (int, bool) {
	for i := len(p.SearchOrder) - 1; i >= 0; i-- {
		n := p.SearchOrder[i]
		if e, ok := p.Searches[strconv.Itoa(n)]; ok && e.Query == query {
			return n, true
		}
	}
	return 0, false
}

// BumpCriteria adds delta to the tallies for slug and searchID.
// The caller must Write the journal afterwards.
func (p *Progress) BumpCriteria(slug string, searchID int, delta int) {
	tally := p.Criteria[slug]
	if tally.BySearchID == nil {
		tally.BySearchID = make(map[string]int)
	}
	tally.TotalAnalyzed += delta
	tally.BySearchID[strconv.Itoa(searchID)] += delta
	p.Criteria[slug] = tally
}

// Recorded returns how many rows are tallied for slug and searchID.
func (p *Progress) Recorded(slug string, searchID int) int {
	return p.Criteria[slug].BySearchID[strconv.Itoa(searchID)]
}

// CriteriaSlugs returns the tallied criterion slugs in sorted order.
func (p *Progress) CriteriaSlugs() []string {
	slugs := make([]string, 0, len(p.Criteria))
	for slug := range p.Criteria {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// Validate checks that search_order is 1..n without gaps and every number has an entry.
func (p *Progress) Validate() error {
	for i, n := range p.SearchOrder {
		if n != i+1 {
			return fmt.Errorf("search_order[%d] = %d, want %d", i, n, i+1)
		}
		if _, ok := p.Searches[strconv.Itoa(n)]; !ok {
			return fmt.Errorf("search %d missing from searches", n)
		}
	}
	return nil
}

// Journal reads and writes Progress records in the object store.
type Journal struct {
	store *objstore.Store
	now   func() time.Time
}

// NewJournal creates a journal over store.
func NewJournal(store *objstore.Store) *Journal {
	return &Journal{store: store, now: time.Now}
}

// WithClock overrides the clock used to stamp last_updated_at.
func (j *Journal) WithClock(now func() time.Time) *Journal {
	j.now = now
	return j
}

// Read loads the session's Progress, returning defaults when absent.
func (j *Journal) Read(ctx context.Context, session string) (*Progress, error) {
	p := New()
	if _, err := j.store.ReadJSON(ctx, session, layout.ProgressPath, p); err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	p.fillDefaults()
	return p, nil
}

// Write stamps last_updated_at in UTC and atomically rewrites the journal.
func (j *Journal) Write(ctx context.Context, session string, p *Progress) error {
	p.LastUpdatedAt = j.now().UTC()
	if err := j.store.WriteJSON(ctx, session, layout.ProgressPath, p); err != nil {
		return fmt.Errorf("failed to write progress: %w", err)
	}
	return nil
}
