package progress

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Synthenova/conthunt-sub001/objstore"
)

func TestReadFillsDefaults(t *testing.T) {
	j := NewJournal(objstore.New(objstore.NewMemoryBackend()))

	p, err := j.Read(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, p.SearchOrder)
	assert.NotNil(t, p.Searches)
	assert.NotNil(t, p.Criteria)
	assert.Equal(t, 1, p.NextSearchNumber())
}

func TestReadFillsNestedDefaults(t *testing.T) {
	backend := objstore.NewMemoryBackend()
	require.NoError(t, backend.Put(context.Background(), "s1", "progress.json",
		[]byte(`{"criteria":{"hooks":{"total_analyzed":2}}}`)))

	p, err := NewJournal(objstore.New(backend)).Read(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotNil(t, p.Criteria["hooks"].BySearchID)
	assert.NotNil(t, p.Searches)
	p.BumpCriteria("hooks", 1, 1)
	assert.Equal(t, 3, p.Criteria["hooks"].TotalAnalyzed)
}

func TestWriteStampsUTC(t *testing.T) {
	loc := time.FixedZone("X", 3*3600)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, loc)
	j := NewJournal(objstore.New(objstore.NewMemoryBackend())).WithClock(func() time.Time { return fixed })
	ctx := context.Background()

	p := New()
	p.AppendSearch("viral cooking hacks", 25, fixed)
	require.NoError(t, j.Write(ctx, "s1", p))

	got, err := j.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, got.LastUpdatedAt.Location())
	assert.True(t, got.LastUpdatedAt.Equal(fixed))
	assert.Equal(t, []int{1}, got.SearchOrder)
	assert.Equal(t, "viral cooking hacks", got.Searches["1"].Query)
	assert.Equal(t, 25, got.Searches["1"].ItemCount)
}

func TestBumpCriteria(t *testing.T) {
	p := New()
	p.BumpCriteria("hooks", 1, 3)
	p.BumpCriteria("hooks", 1, 2)
	p.BumpCriteria("hooks", 2, 1)
	p.BumpCriteria("pacing", 1, 4)

	assert.Equal(t, 6, p.Criteria["hooks"].TotalAnalyzed)
	assert.Equal(t, 5, p.Recorded("hooks", 1))
	assert.Equal(t, 1, p.Recorded("hooks", 2))
	assert.Equal(t, 0, p.Recorded("missing", 1))
	assert.Equal(t, []string{"hooks", "pacing"}, p.CriteriaSlugs())
}

func TestSearchByQueryReturnsLatest(t *testing.T) {
	p := New()
	now := time.Now()
	p.AppendSearch("a", 1, now)
	p.AppendSearch("b", 1, now)
	p.AppendSearch("a", 1, now)

	n, ok := p.SearchByQuery("a")
	require.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = p.SearchByQuery("c")
	assert.False(t, ok)
}

func TestValidateDetectsGaps(t *testing.T) {
	p := New()
	p.AppendSearch("a", 1, time.Now())
	require.NoError(t, p.Validate())

	p.SearchOrder = append(p.SearchOrder, 3)
	assert.Error(t, p.Validate())
}

func TestSearchOrderIsGaplessProperty(t *testing.T) {
	j := NewJournal(objstore.New(objstore.NewMemoryBackend()))
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	session := 0
	properties.Property("search_order is 1..n after any sequence of searches", prop.ForAll(
		func(queries []string) bool {
			session++
			ns := fmt.Sprintf("prop-%d", session)
			for _, q := range queries {
				p, err := j.Read(ctx, ns)
				if err != nil {
					return false
				}
				p.AppendSearch(q, 0, time.Now())
				if err := j.Write(ctx, ns, p); err != nil {
					return false
				}
			}
			p, err := j.Read(ctx, ns)
			if err != nil || len(p.SearchOrder) != len(queries) {
				return false
			}
			return p.Validate() == nil
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
