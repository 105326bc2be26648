package criteria

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Synthenova/conthunt-sub001/model"
	"github.com/Synthenova/conthunt-sub001/objstore"
)

func rows(prefix string, n int) []model.BatchRow {
	out := make([]model.BatchRow, n)
	for i := range out {
		out[i] = model.BatchRow{
			MediaAssetID: fmt.Sprintf("%s%d", prefix, i+1),
			Ref:          fmt.Sprintf("q:V%d", i+1),
			Score:        0.5,
			Reason:       "ok",
			RecordedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return out
}

func writeBatch(t *testing.T, w *Writer, name string, index, sid int, r []model.BatchRow) {
	t.Helper()
	require.NoError(t, w.WriteBatch(context.Background(), "s1", name, Batch{
		Rows: map[int][]model.BatchRow{sid: r},
		Meta: Meta{Slug: "hooks", Criteria: "strong hooks", BatchIndex: index, SearchID: sid, RowCount: len(r)},
	}))
}

func TestNextFilename(t *testing.T) {
	name, err := NextFilename("hooks", nil)
	require.NoError(t, err)
	assert.Equal(t, "hooks-001.json", name)

	name, err = NextFilename("hooks", []string{"hooks-001.json", "hooks-007.json", "hooks-abc.json", "hook-009.json"})
	require.NoError(t, err)
	assert.Equal(t, "hooks-008.json", name)

	_, err = NextFilename("hooks", []string{"hooks-999.json"})
	assert.ErrorIs(t, err, ErrBatchesExhausted)
}

func TestListFilesRootOnlyAndExactSlug(t *testing.T) {
	backend := objstore.NewMemoryBackend()
	ctx := context.Background()
	for _, p := range []string{
		"hooks-002.json", "hooks-001.json", "hooks-extra-001.json", "hooks-01.json",
		"sub/hooks-003.json", "hooks-004.json.tmp", "progress.json",
	} {
		require.NoError(t, backend.Put(ctx, "s1", p, []byte(`{}`)))
	}
	w := NewWriter(objstore.New(backend), nil)

	files, err := w.ListFiles(ctx, "s1", "hooks")
	require.NoError(t, err)
	assert.Equal(t, []string{"hooks-001.json", "hooks-002.json"}, files)

	files, err = w.ListFiles(ctx, "s1", "hooks-extra")
	require.NoError(t, err)
	assert.Equal(t, []string{"hooks-extra-001.json"}, files)

	_, err = w.ListFiles(ctx, "s1", "Bad Slug")
	assert.Error(t, err)
}

func TestBatchPayloadShape(t *testing.T) {
	b := Batch{
		Rows: map[int][]model.BatchRow{1: rows("m", 1)},
		Meta: Meta{Criteria: "c", Slug: "hooks", BatchIndex: 1, SearchID: 1, RowCount: 1},
	}
	data, err := json.Marshal(b)
	require.NoError(t, err)

	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Contains(t, generic, "1")
	assert.Contains(t, generic, "meta")

	var back Batch
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, b.Meta, back.Meta)
	assert.Equal(t, "m1", back.Rows[1][0].MediaAssetID)
}

func TestResumeMidBatchSkipsRecorded(t *testing.T) {
	w := NewWriter(objstore.New(objstore.NewMemoryBackend()), nil)
	ctx := context.Background()

	writeBatch(t, w, "hooks-001.json", 1, 1, rows("m", 3))
	writeBatch(t, w, "hooks-002.json", 2, 1, rows("m", 5)[3:])

	done, err := w.DoneMediaIDs(ctx, "s1", "hooks", 1)
	require.NoError(t, err)
	assert.Len(t, done, 5)

	top10 := rows("m", 10)
	commit, err := w.Record(ctx, "s1", "hooks", "strong hooks", 1, top10)
	require.NoError(t, err)
	assert.Equal(t, "hooks-003.json", commit.Filename)
	assert.Equal(t, 5, commit.Skipped)
	require.Len(t, commit.Rows, 5)
	assert.Equal(t, "m6", commit.Rows[0].MediaAssetID)

	b, err := w.ReadBatch(ctx, "s1", "hooks-003.json")
	require.NoError(t, err)
	assert.Equal(t, 3, b.Meta.BatchIndex)
	assert.Len(t, b.Rows[1], 5)
}

func TestOrphanedBatchCountsWithoutProgress(t *testing.T) {
	w := NewWriter(objstore.New(objstore.NewMemoryBackend()), nil)
	ctx := context.Background()

	// Written but never followed by a progress bump.
	writeBatch(t, w, "hooks-001.json", 1, 1, rows("m", 4))

	done, err := w.DoneMediaIDs(ctx, "s1", "hooks", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"m1": {}, "m2": {}, "m3": {}, "m4": {}}, done)

	commit, err := w.Record(ctx, "s1", "hooks", "strong hooks", 1, rows("m", 6))
	require.NoError(t, err)
	assert.Equal(t, "hooks-002.json", commit.Filename)
	assert.Len(t, commit.Rows, 2)
}

func TestDoneMediaIDsIsPerSearch(t *testing.T) {
	w := NewWriter(objstore.New(objstore.NewMemoryBackend()), nil)
	ctx := context.Background()
	writeBatch(t, w, "hooks-001.json", 1, 2, rows("x", 2))

	done, err := w.DoneMediaIDs(ctx, "s1", "hooks", 1)
	require.NoError(t, err)
	assert.Empty(t, done)

	commit, err := w.Record(ctx, "s1", "hooks", "c", 1, rows("x", 2))
	require.NoError(t, err)
	assert.Equal(t, "hooks-002.json", commit.Filename)
}

func TestRecordNothingNewWritesNothing(t *testing.T) {
	counting := objstore.NewCounting(objstore.NewMemoryBackend())
	w := NewWriter(objstore.New(counting), nil)
	ctx := context.Background()
	writeBatch(t, w, "hooks-001.json", 1, 1, rows("m", 2))

	commit, err := w.Record(ctx, "s1", "hooks", "c", 1, rows("m", 2))
	require.NoError(t, err)
	assert.Empty(t, commit.Filename)
	assert.Equal(t, 2, commit.Skipped)
	assert.Equal(t, 0, counting.Puts("s1", "hooks-002.json"))
}

func TestRecordDropsDuplicatesWithinInput(t *testing.T) {
	w := NewWriter(objstore.New(objstore.NewMemoryBackend()), nil)
	in := append(rows("m", 2), rows("m", 2)...)

	commit, err := w.Record(context.Background(), "s1", "hooks", "c", 1, in)
	require.NoError(t, err)
	assert.Len(t, commit.Rows, 2)
	assert.Equal(t, 2, commit.Skipped)
}

func TestNoDuplicatesAcrossRepeatedRecords(t *testing.T) {
	w := NewWriter(objstore.New(objstore.NewMemoryBackend()), nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := w.Record(ctx, "s1", "hooks", "c", 1, rows("m", 3+i))
		require.NoError(t, err)
	}

	files, err := w.ListFiles(ctx, "s1", "hooks")
	require.NoError(t, err)
	seen := map[string]int{}
	for _, f := range files {
		b, err := w.ReadBatch(ctx, "s1", f)
		require.NoError(t, err)
		for _, r := range b.Rows[1] {
			seen[r.MediaAssetID]++
		}
	}
	assert.Len(t, seen, 7)
	for mid, n := range seen {
		assert.Equal(t, 1, n, mid)
	}
}

func TestWriteBatchRejectsForeignFilename(t *testing.T) {
	w := NewWriter(objstore.New(objstore.NewMemoryBackend()), nil)
	err := w.WriteBatch(context.Background(), "s1", "progress.json", Batch{Meta: Meta{Slug: "hooks"}})
	assert.Error(t, err)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "strong-hooks-in-first-3s", Slugify("Strong hooks in first 3s!"))
	assert.Equal(t, "a-b", Slugify("  --A__B--  "))
	assert.Equal(t, "criterion", Slugify("!!!"))
	assert.Equal(t, "caf", Slugify("Café"))

	long := Slugify("abcdefghij klmnopqrst uvwxyz0123 456789abcd efghijklmn")
	assert.LessOrEqual(t, len(long), MaxSlugLength)
	assert.NotEqual(t, '-', long[len(long)-1])
}
