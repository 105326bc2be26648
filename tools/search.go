package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/model"
	"github.com/Synthenova/conthunt-sub001/refs"
)

// RefEntry is one video as the planner sees it.
type RefEntry struct {
	Ref   string `json:"ref"`
	Title string `json:"title"`
	Views int64  `json:"views"`
}

func refEntries(query string, items []model.SummaryItem) []RefEntry {
	out := make([]RefEntry, 0, len(items))
	for _, it := range items {
		out = append(out, RefEntry{
			Ref:   refs.Format(query, it.VideoID),
			Title: it.Title,
			Views: it.Metrics.ViewCount,
		})
	}
	return out
}

// SearchOutput is the result of the search tool.
type SearchOutput struct {
	SearchNumber int        `json:"search_number"`
	Query        string     `json:"query"`
	ItemCount    int        `json:"item_count"`
	Refs         []RefEntry `json:"refs"`
}

type searchArgs struct {
	Query string `json:"query"`
}

// SearchTool runs one platform search and records it as the next search number.
type SearchTool struct {
	deps *Deps
}

// NewSearchTool creates the search tool.
func NewSearchTool(deps *Deps) *SearchTool {
	return &SearchTool{deps: deps}
}

// Metadata returns tool metadata.
func (t *SearchTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        NameSearch,
		Description: "Search the video platform. Returns the new search number and the results as refs.",
		Parameters: []ToolParameter{
			{Name: "query", ParamType: "string", Description: "Search query", Required: true},
		},
	}
}

// Validate requires a non-empty query.
func (t *SearchTool) Validate(args json.RawMessage) error {
	var a searchArgs
	if err := decodeArgs(args, &a); err != nil {
		return err
	}
	if strings.TrimSpace(a.Query) == "" {
		return errors.New("query is required")
	}
	return nil
}

// Execute writes raw and detail files, then the progress entry last.
// A crash before the progress write leaves the number unallocated; the
// retry overwrites the same files.
func (t *SearchTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	sess, err := SessionFrom(ctx)
	if err != nil {
		return ToolResult{}, err
	}
	var a searchArgs
	if err := decodeArgs(args, &a); err != nil {
		return FailureResult(err), nil
	}
	query := strings.TrimSpace(a.Query)

	p, err := t.deps.Journal.Read(ctx, sess.ID)
	if err != nil {
		return ToolResult{}, err
	}
	number := p.NextSearchNumber()

	res, err := t.deps.Searcher.Search(ctx, query, "", t.deps.pageSize())
	if err != nil {
		return ToolResult{}, fmt.Errorf("search %q failed: %w", query, err)
	}

	if err := sess.hold(ctx); err != nil {
		return ToolResult{}, err
	}
	now := t.deps.now()
	stored, err := t.deps.Inventory.Persist(ctx, sess.ID, number, query, res.Items, now)
	if err != nil {
		return ToolResult{}, err
	}
	p.AppendSearch(query, len(stored), now)
	if err := t.deps.Journal.Write(ctx, sess.ID, p); err != nil {
		return ToolResult{}, err
	}

	t.deps.logger().Info("search recorded",
		zap.String("session_id", sess.ID),
		zap.Int("search_number", number),
		zap.Int("items", len(stored)))

	return jsonResult(SearchOutput{
		SearchNumber: number,
		Query:        query,
		ItemCount:    len(stored),
		Refs:         refEntries(query, stored),
	})
}

// RankOutput is the result of the rank_by_views tool.
type RankOutput struct {
	SearchNumber int        `json:"search_number"`
	Query        string     `json:"query"`
	Refs         []RefEntry `json:"refs"`
}

type rankArgs struct {
	SearchNumber int `json:"search_number"`
	TopK         int `json:"top_k"`
}

// RankTool emits the top-K refs of a search by view count.
type RankTool struct {
	deps *Deps
}

// NewRankTool creates the rank_by_views tool.
func NewRankTool(deps *Deps) *RankTool {
	return &RankTool{deps: deps}
}

// Metadata returns tool metadata.
func (t *RankTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        NameRankByViews,
		Description: "Rank the results of a search by view count and return the top refs.",
		Parameters: []ToolParameter{
			{Name: "search_number", ParamType: "integer", Description: "Search to rank", Required: true},
			{Name: "top_k", ParamType: "integer", Description: "How many refs to return (default 10, max 50)"},
		},
	}
}

// Validate requires a positive search number.
func (t *RankTool) Validate(args json.RawMessage) error {
	var a rankArgs
	if err := decodeArgs(args, &a); err != nil {
		return err
	}
	if a.SearchNumber < 1 {
		return errors.New("search_number must be at least 1")
	}
	return nil
}

// Execute loads the raw search and ranks it.
func (t *RankTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	sess, err := SessionFrom(ctx)
	if err != nil {
		return ToolResult{}, err
	}
	var a rankArgs
	if err := decodeArgs(args, &a); err != nil {
		return FailureResult(err), nil
	}

	query, res, err := searchQuery(ctx, t.deps, sess.ID, a.SearchNumber)
	if err != nil || res.Error != nil {
		return res, err
	}

	top, err := t.deps.Inventory.TopByViews(ctx, sess.ID, a.SearchNumber, t.deps.topK(a.TopK))
	if err != nil {
		return ToolResult{}, err
	}
	return jsonResult(RankOutput{
		SearchNumber: a.SearchNumber,
		Query:        query,
		Refs:         refEntries(query, top),
	})
}

// searchQuery returns the query of a recorded search. Refs resolve through
// the latest search with a query, so an older search sharing its query with
// a newer one cannot be referenced.
func searchQuery(ctx context.Context, deps *Deps, session string, number int) (string, ToolResult, error) {
	p, err := deps.Journal.Read(ctx, session)
	if err != nil {
		return "", ToolResult{}, err
	}
	entry, ok := p.Search(number)
	if !ok {
		return "", FailureResultf("search %d does not exist", number), nil
	}
	if latest, _ := p.SearchByQuery(entry.Query); latest != number {
		return "", FailureResultf("search %d was repeated as search %d; use search %d", number, latest, latest), nil
	}
	return entry.Query, ToolResult{}, nil
}

// Verify tools implement Tool
var (
	_ Tool = (*SearchTool)(nil)
	_ Tool = (*RankTool)(nil)
)
