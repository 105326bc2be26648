// Package inventory materializes per-search result lists.
//
// Information Hiding:
// - Raw and detail file shapes hidden
// - Stable view-count ordering hidden

package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Synthenova/conthunt-sub001/layout"
	"github.com/Synthenova/conthunt-sub001/model"
	"github.com/Synthenova/conthunt-sub001/objstore"
)

// Inventory reads and writes search result files in a session namespace.
type Inventory struct {
	store *objstore.Store
}

// New creates an inventory over store.
func New(store *objstore.Store) *Inventory {
	return &Inventory{store: store}
}

// LoadItems returns the summary items of a search in file order.
// A missing detail file yields an empty list. Items written without a
// video_id get their 1-based position, matching Persist.
func (inv *Inventory) LoadItems(ctx context.Context, session string, searchID int) ([]model.SummaryItem, error) {
	var detail model.SearchDetail
	if _, err := inv.store.ReadJSON(ctx, session, layout.SearchDetail(searchID), &detail); err != nil {
		return nil, fmt.Errorf("failed to load search %d: %w", searchID, err)
	}
	for i := range detail.SummaryItems {
		if detail.SummaryItems[i].VideoID == 0 {
			detail.SummaryItems[i].VideoID = i + 1
		}
	}
	return detail.SummaryItems, nil
}

// LoadRaw returns the raw items of a search.
func (inv *Inventory) LoadRaw(ctx context.Context, session string, searchID int) ([]model.SearchItem, error) {
	var raw model.RawSearch
	if _, err := inv.store.ReadJSON(ctx, session, layout.RawSearch(searchID), &raw); err != nil {
		return nil, fmt.Errorf("failed to load raw search %d: %w", searchID, err)
	}
	return raw.Items, nil
}

// SortByViewsDesc returns items ordered by view count, highest first.
// Ties keep their original order. The input is not modified.
func SortByViewsDesc(items []model.SummaryItem) []model.SummaryItem {
	sorted := make([]model.SummaryItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Metrics.ViewCount > sorted[j].Metrics.ViewCount
	})
	return sorted
}

// Persist writes the raw and detail files for a search.
// video_id is reassigned to the 1-based position so refs stay stable.
// The raw file is written first; the detail file completes the pair.
// The returned summary is what LoadItems will read back.
func (inv *Inventory) Persist(ctx context.Context, session string, number int, query string, items []model.SearchItem, at time.Time) ([]model.SummaryItem, error) {
	stored := make([]model.SearchItem, len(items))
	summary := make([]model.SummaryItem, len(items))
	for i, it := range items {
		it.VideoID = i + 1
		stored[i] = it
		summary[i] = it.Summary()
	}

	if err := inv.store.WriteJSON(ctx, session, layout.RawSearch(number), model.RawSearch{Items: stored}); err != nil {
		return nil, fmt.Errorf("failed to persist raw search %d: %w", number, err)
	}
	detail := model.SearchDetail{
		SearchNumber: number,
		Query:        query,
		CreatedAt:    at.UTC(),
		SummaryItems: summary,
	}
	if err := inv.store.WriteJSON(ctx, session, layout.SearchDetail(number), detail); err != nil {
		return nil, fmt.Errorf("failed to persist search detail %d: %w", number, err)
	}
	return summary, nil
}

// TopByViews returns up to k summary items of a search ordered by view count,
// highest first, ties in file order. k <= 0 returns every item.
func (inv *Inventory) TopByViews(ctx context.Context, session string, searchID, k int) ([]model.SummaryItem, error) {
	items, err := inv.LoadItems(ctx, session, searchID)
	if err != nil {
		return nil, err
	}
	sorted := SortByViewsDesc(items)
	if k > 0 && len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted, nil
}
