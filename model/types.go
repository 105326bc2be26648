// Package model provides domain types shared across packages.
package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Metrics holds platform engagement numbers for a video.
// ViewCount is decoded leniently: numbers, numeric strings and floats are accepted,
// anything else becomes 0.
type Metrics struct {
	ViewCount int64 `json:"view_count"`
}

// UnmarshalJSON implements lenient decoding of view_count.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// A non-object metrics value carries no usable counts.
		m.ViewCount = 0
		return nil
	}
	m.ViewCount = LenientInt(raw["view_count"])
	return nil
}

// LenientInt parses an integer from arbitrary JSON, coercing failures to 0.
func LenientInt(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0
		}
		return int64(n)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

// SearchItem is one raw result of a platform search.
// VideoID is the 1-based position of the item within its search.
type SearchItem struct {
	VideoID      int     `json:"video_id"`
	MediaAssetID string  `json:"media_asset_id"`
	Title        string  `json:"title"`
	Metrics      Metrics `json:"metrics"`
	Source       string  `json:"source,omitempty"`
}

// SummaryItem is the subset of a SearchItem used for ranking.
type SummaryItem struct {
	VideoID      int     `json:"video_id,omitempty"`
	MediaAssetID string  `json:"media_asset_id"`
	Title        string  `json:"title"`
	Metrics      Metrics `json:"metrics"`
}

// Summary returns the ranking view of the item.
func (it SearchItem) Summary() SummaryItem {
	return SummaryItem{VideoID: it.VideoID, MediaAssetID: it.MediaAssetID, Title: it.Title, Metrics: it.Metrics}
}

// RawSearch is the payload of searches_raw/search_<N>.json.
type RawSearch struct {
	Items []SearchItem `json:"items"`
}

// SearchDetail is the payload of search_<N>_detail.json.
type SearchDetail struct {
	SearchNumber int           `json:"search_number"`
	Query        string        `json:"query"`
	CreatedAt    time.Time     `json:"created_at"`
	SummaryItems []SummaryItem `json:"summary_items"`
}

// AnalysisRecord is the payload of analysis/<media_asset_id>.json.
type AnalysisRecord struct {
	MediaAssetID string    `json:"media_asset_id"`
	Analysis     string    `json:"analysis"`
	CachedAt     time.Time `json:"cached_at"`
	ContentHash  string    `json:"content_hash,omitempty"`
}

// BatchRow is one justified candidate inside a criterion batch file.
type BatchRow struct {
	MediaAssetID string    `json:"media_asset_id"`
	Ref          string    `json:"ref"`
	Title        string    `json:"title"`
	Score        float64   `json:"score"`
	Reason       string    `json:"reason"`
	RecordedAt   time.Time `json:"recorded_at"`
}
