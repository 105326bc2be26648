// Package refs maps human-readable video refs to media asset ids.
//
// Information Hiding:
// - Ref grammar "<query>:V<n>" and bracket stripping hidden
// - Two-stage lookup (progress, raw search file) hidden
// - Caching of immutable raw search files hidden

package refs

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/layout"
	"github.com/Synthenova/conthunt-sub001/model"
	"github.com/Synthenova/conthunt-sub001/objstore"
	"github.com/Synthenova/conthunt-sub001/progress"
)

var refPattern = regexp.MustCompile(`(?s)^(.+):V(\d+)$`)

// Ref is a parsed "<query>:V<n>" handle.
type Ref struct {
	Query string
	N     int
}

// String formats the ref without brackets.
func (r Ref) String() string {
	return Format(r.Query, r.N)
}

// Parse parses s, stripping one pair of optional square brackets.
// The "V" is matched case-sensitively. Returns false on any mismatch.
func Parse(s string) (Ref, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = s[1 : len(s)-1]
	}
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return Ref{}, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n < 1 {
		return Ref{}, false
	}
	return Ref{Query: m[1], N: n}, true
}

// Format renders a ref.
func Format(query string, n int) string {
	return fmt.Sprintf("%s:V%d", query, n)
}

// FormatBracketed renders a ref in the bracketed citation form.
func FormatBracketed(query string, n int) string {
	return "[" + Format(query, n) + "]"
}

// Resolver turns refs into media asset ids for a session.
// Raw search files never change once written, so they are cached across calls.
type Resolver struct {
	store   *objstore.Store
	journal *progress.Journal
	raw     *lru.Cache[string, map[int]string]
	logger  *zap.Logger
}

// DefaultRawCacheSize bounds the number of cached raw search files.
const DefaultRawCacheSize = 256

// NewResolver creates a resolver over store.
func NewResolver(store *objstore.Store, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, _ := lru.New[string, map[int]string](DefaultRawCacheSize)
	return &Resolver{
		store:   store,
		journal: progress.NewJournal(store),
		raw:     cache,
		logger:  logger,
	}
}

// Resolve returns the media asset id behind ref, or "" with false on any miss.
// Never returns an error; store failures count as misses.
func (r *Resolver) Resolve(ctx context.Context, session, ref string) (string, bool) {
	ids := r.ResolveBatch(ctx, session, []string{ref})
	id, ok := ids[ref]
	return id, ok
}

// ResolveBatch resolves every ref, reading progress once and each raw file at most once.
// Refs that miss are absent from the result.
func (r *Resolver) ResolveBatch(ctx context.Context, session string, refs []string) map[string]string {
	out := make(map[string]string, len(refs))
	if len(refs) == 0 {
		return out
	}

	p, err := r.journal.Read(ctx, session)
	if err != nil {
		r.logger.Debug("ref resolution could not read progress",
			zap.String("session_id", session), zap.Error(err))
		return out
	}

	for _, s := range refs {
		ref, ok := Parse(s)
		if !ok {
			continue
		}
		number, ok := p.SearchByQuery(ref.Query)
		if !ok {
			continue
		}
		items, err := r.rawItems(ctx, session, number)
		if err != nil {
			r.logger.Debug("ref resolution could not read raw search",
				zap.String("session_id", session),
				zap.Int("search_number", number),
				zap.Error(err))
			continue
		}
		if id, ok := items[ref.N]; ok {
			out[s] = id
		}
	}
	return out
}

// rawItems returns video_id -> media_asset_id for one search.
func (r *Resolver) rawItems(ctx context.Context, session string, number int) (map[int]string, error) {
	key := session + "\x00" + strconv.Itoa(number)
	if items, ok := r.raw.Get(key); ok {
		return items, nil
	}

	var raw model.RawSearch
	found, err := r.store.ReadJSON(ctx, session, layout.RawSearch(number), &raw)
	if err != nil {
		return nil, err
	}
	items := make(map[int]string, len(raw.Items))
	for _, it := range raw.Items {
		if it.MediaAssetID != "" {
			items[it.VideoID] = it.MediaAssetID
		}
	}
	// Absent files are not cached; the search may still be in flight.
	if found {
		r.raw.Add(key, items)
	}
	return items, nil
}
