// Package criteria writes numbered per-criterion result batches.
//
// Information Hiding:
// - Batch payload shape {<search_id>: rows, meta} hidden
// - Filename numbering and root-only listing hidden
// - Dedup set derived from file contents, never from progress

package criteria

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/layout"
	"github.com/Synthenova/conthunt-sub001/model"
	"github.com/Synthenova/conthunt-sub001/objstore"
)

// MaxSlugLength bounds the length of generated slugs.
const MaxSlugLength = 48

// ErrBatchesExhausted is returned when a slug already has the maximum number of batch files.
var ErrBatchesExhausted = fmt.Errorf("criterion batch numbering exhausted (max %d)", layout.MaxBatchIndex)

// Meta describes a batch file.
type Meta struct {
	Criteria   string    `json:"criteria"`
	Slug       string    `json:"slug"`
	BatchIndex int       `json:"batch_index"`
	SearchID   int       `json:"search_id"`
	RowCount   int       `json:"row_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Batch is the self-describing payload of one batch file.
// Rows are keyed by search id.
type Batch struct {
	Rows map[int][]model.BatchRow
	Meta Meta
}

// MarshalJSON flattens rows next to the meta key.
func (b Batch) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.Rows)+1)
	for sid, rows := range b.Rows {
		out[strconv.Itoa(sid)] = rows
	}
	out["meta"] = b.Meta
	return json.Marshal(out)
}

// UnmarshalJSON accepts the flattened form. Keys that are not search ids are ignored.
func (b *Batch) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Rows = make(map[int][]model.BatchRow)
	for key, value := range raw {
		if key == "meta" {
			if err := json.Unmarshal(value, &b.Meta); err != nil {
				return fmt.Errorf("meta: %w", err)
			}
			continue
		}
		sid, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		var rows []model.BatchRow
		if err := json.Unmarshal(value, &rows); err != nil {
			return fmt.Errorf("rows for search %s: %w", key, err)
		}
		b.Rows[sid] = rows
	}
	return nil
}

// Writer lists, reads and writes batch files for criteria.
type Writer struct {
	store  *objstore.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewWriter creates a writer over store.
func NewWriter(store *objstore.Store, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, logger: logger, now: time.Now}
}

// ListFiles returns the sorted batch filenames of slug at the namespace root.
func (w *Writer) ListFiles(ctx context.Context, session, slug string) ([]string, error) {
	if !layout.ValidSlug(slug) {
		return nil, fmt.Errorf("invalid criterion slug %q", slug)
	}
	paths, err := w.store.ListPaths(ctx, session, slug+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to list batches for %s: %w", slug, err)
	}
	var files []string
	for _, p := range paths {
		if !layout.IsRootFile(p) {
			continue
		}
		if _, ok := layout.ParseBatch(slug, p); ok {
			files = append(files, p)
		}
	}
	sort.Strings(files)
	return files, nil
}

// NextFilename returns the filename after the highest numbered batch in existing.
func NextFilename(slug string, existing []string) (string, error) {
	highest := 0
	for _, name := range existing {
		if n, ok := layout.ParseBatch(slug, name); ok && n > highest {
			highest = n
		}
	}
	if highest >= layout.MaxBatchIndex {
		return "", ErrBatchesExhausted
	}
	return layout.Batch(slug, highest+1), nil
}

// ReadBatch loads one batch file. Missing files yield an empty batch.
func (w *Writer) ReadBatch(ctx context.Context, session, filename string) (Batch, error) {
	var b Batch
	found, err := w.store.ReadJSON(ctx, session, filename, &b)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to read batch %s: %w", filename, err)
	}
	if !found {
		b.Rows = map[int][]model.BatchRow{}
	}
	return b, nil
}

// DoneMediaIDs unions media asset ids across every batch of slug for searchID.
// Batch contents are authoritative; a batch without a progress bump still counts.
func (w *Writer) DoneMediaIDs(ctx context.Context, session, slug string, searchID int) (map[string]struct{}, error) {
	files, err := w.ListFiles(ctx, session, slug)
	if err != nil {
		return nil, err
	}
	done := make(map[string]struct{})
	for _, name := range files {
		b, err := w.ReadBatch(ctx, session, name)
		if err != nil {
			return nil, err
		}
		for _, row := range b.Rows[searchID] {
			done[row.MediaAssetID] = struct{}{}
		}
	}
	return done, nil
}

// WriteBatch persists a batch atomically under filename.
// Only filenames of the slug-NNN form are accepted.
func (w *Writer) WriteBatch(ctx context.Context, session, filename string, b Batch) error {
	if _, ok := layout.ParseBatch(b.Meta.Slug, filename); !ok {
		return fmt.Errorf("filename %q is not a batch of %q", filename, b.Meta.Slug)
	}
	if err := w.store.WriteJSON(ctx, session, filename, b); err != nil {
		return fmt.Errorf("failed to write batch %s: %w", filename, err)
	}
	return nil
}

// Commit is the result of Record.
type Commit struct {
	Filename string
	Rows     []model.BatchRow
	Skipped  int
}

// Record writes the rows not yet present for (slug, searchID) into the next batch file.
// Rows already recorded in any batch, or repeated within rows, are dropped.
// When nothing new remains, no file is written and Filename is empty.
func (w *Writer) Record(ctx context.Context, session, slug, criterion string, searchID int, rows []model.BatchRow) (Commit, error) {
	done, err := w.DoneMediaIDs(ctx, session, slug, searchID)
	if err != nil {
		return Commit{}, err
	}

	var fresh []model.BatchRow
	for _, row := range rows {
		if _, ok := done[row.MediaAssetID]; ok {
			continue
		}
		done[row.MediaAssetID] = struct{}{}
		fresh = append(fresh, row)
	}
	commit := Commit{Skipped: len(rows) - len(fresh)}
	if len(fresh) == 0 {
		return commit, nil
	}

	files, err := w.ListFiles(ctx, session, slug)
	if err != nil {
		return Commit{}, err
	}
	filename, err := NextFilename(slug, files)
	if err != nil {
		return Commit{}, err
	}
	index, _ := layout.ParseBatch(slug, filename)

	b := Batch{
		Rows: map[int][]model.BatchRow{searchID: fresh},
		Meta: Meta{
			Criteria:   criterion,
			Slug:       slug,
			BatchIndex: index,
			SearchID:   searchID,
			RowCount:   len(fresh),
			CreatedAt:  w.now().UTC(),
		},
	}
	if err := w.WriteBatch(ctx, session, filename, b); err != nil {
		return Commit{}, err
	}

	w.logger.Info("criterion batch written",
		zap.String("session_id", session),
		zap.String("slug", slug),
		zap.Int("search_number", searchID),
		zap.String("file", filename),
		zap.Int("rows", len(fresh)),
		zap.Int("skipped", commit.Skipped))

	commit.Filename = filename
	commit.Rows = fresh
	return commit, nil
}

// Slugify derives a criterion slug: lowercase, runs of other characters
// collapse to "-", trimmed, at most MaxSlugLength bytes. Empty input yields "criterion".
func Slugify(text string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			dash = false
		default:
			if !dash && sb.Len() > 0 {
				sb.WriteByte('-')
				dash = true
			}
		}
	}
	slug := strings.Trim(sb.String(), "-")
	if len(slug) > MaxSlugLength {
		slug = strings.TrimRight(slug[:MaxSlugLength], "-")
	}
	if slug == "" {
		return "criterion"
	}
	return slug
}
