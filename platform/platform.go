// Package platform is the client side of the video-platform facade.
//
// Information Hiding:
// - HTTP endpoints, auth header and wire shapes hidden behind Client
// - Media asset id normalization hidden
// - Timeout classification hidden behind ErrToolTimeout

package platform

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/Synthenova/conthunt-sub001/model"
)

var (
	// ErrToolTimeout is returned when an external call exceeds its deadline.
	ErrToolTimeout = errors.New("external tool timed out")
	// ErrUpstream is returned for non-success responses from the facade.
	ErrUpstream = errors.New("video platform request failed")
	// ErrInvalidMediaID is returned for media asset ids that are not UUIDs.
	ErrInvalidMediaID = errors.New("invalid media asset id")
)

// DefaultPageSize is the number of results requested per search.
const DefaultPageSize = 25

// SearchResult is one page of search results.
type SearchResult struct {
	Items      []model.SearchItem `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// Searcher runs a video search.
type Searcher interface {
	Search(ctx context.Context, query, cursor string, pageSize int) (SearchResult, error)
}

// Analyzer returns markdown analysis for one media asset.
type Analyzer interface {
	Analyze(ctx context.Context, mediaAssetID string) (string, error)
}

// NormalizeMediaID returns the canonical lowercase form of a UUID media asset id.
func NormalizeMediaID(id string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", errors.Join(ErrInvalidMediaID, err)
	}
	return u.String(), nil
}

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrToolTimeout) || errors.Is(err, context.DeadlineExceeded)
}
