package analysis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Synthenova/conthunt-sub001/layout"
	"github.com/Synthenova/conthunt-sub001/model"
	"github.com/Synthenova/conthunt-sub001/objstore"
)

type slowAnalyzer struct {
	calls atomic.Int32
	delay time.Duration
	text  string
	err   error
}

func (a *slowAnalyzer) Analyze(ctx context.Context, mid string) (string, error) {
	a.calls.Add(1)
	select {
	case <-time.After(a.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return a.text, a.err
}

func TestEnsureSingleFlight(t *testing.T) {
	counting := objstore.NewCounting(objstore.NewMemoryBackend())
	analyzer := &slowAnalyzer{delay: 100 * time.Millisecond, text: "## Hook\nopens with a pan flip"}
	cache := NewCache(objstore.New(counting), analyzer)

	const n = 10
	results := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = cache.Ensure(context.Background(), "s1", "X")
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), analyzer.calls.Load())
	assert.LessOrEqual(t, counting.Puts("s1", layout.Analysis("X")), 1)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.NotEmpty(t, results[i])
		assert.Equal(t, results[0], results[i])
	}
}

func TestEnsureHitsCache(t *testing.T) {
	store := objstore.New(objstore.NewMemoryBackend())
	analyzer := &slowAnalyzer{text: "analysis"}
	cache := NewCache(store, analyzer)
	ctx := context.Background()

	first, err := cache.Ensure(ctx, "s1", "m1")
	require.NoError(t, err)
	second, err := cache.Ensure(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), analyzer.calls.Load())

	var record model.AnalysisRecord
	found, err := store.ReadJSON(ctx, "s1", layout.Analysis("m1"), &record)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "m1", record.MediaAssetID)
	assert.Equal(t, ContentHash("analysis"), record.ContentHash)
	assert.False(t, record.CachedAt.IsZero())
}

func TestEnsureIsSessionScoped(t *testing.T) {
	analyzer := &slowAnalyzer{text: "analysis"}
	cache := NewCache(objstore.New(objstore.NewMemoryBackend()), analyzer)
	ctx := context.Background()

	_, err := cache.Ensure(ctx, "s1", "m1")
	require.NoError(t, err)
	_, err = cache.Ensure(ctx, "s2", "m1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), analyzer.calls.Load())
}

func TestSharedNamespaceReusesAcrossSessions(t *testing.T) {
	store := objstore.New(objstore.NewMemoryBackend())
	analyzer := &slowAnalyzer{text: "analysis"}
	cache := NewCache(store, analyzer, WithSharedNamespace("shared"))
	ctx := context.Background()

	_, err := cache.Ensure(ctx, "s1", "m1")
	require.NoError(t, err)
	_, err = cache.Ensure(ctx, "s2", "m1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), analyzer.calls.Load())

	paths, err := store.ListPaths(ctx, "shared", layout.AnalysisDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"analysis/m1.json"}, paths)
}

func TestEnsureFailures(t *testing.T) {
	ctx := context.Background()

	cache := NewCache(objstore.New(objstore.NewMemoryBackend()), &slowAnalyzer{err: errors.New("upstream 500")})
	_, err := cache.Ensure(ctx, "s1", "m1")
	assert.ErrorIs(t, err, ErrAnalysisFailed)

	counting := objstore.NewCounting(objstore.NewMemoryBackend())
	cache = NewCache(objstore.New(counting), &slowAnalyzer{text: "   "})
	_, err = cache.Ensure(ctx, "s1", "m1")
	assert.ErrorIs(t, err, ErrAnalysisFailed)
	assert.Equal(t, 0, counting.Puts("s1", layout.Analysis("m1")))
}

func TestEnsureKeepsUnderlyingCause(t *testing.T) {
	cause := errors.New("deadline")
	cache := NewCache(objstore.New(objstore.NewMemoryBackend()), &slowAnalyzer{err: cause})
	_, err := cache.Ensure(context.Background(), "s1", "m1")
	assert.ErrorIs(t, err, ErrAnalysisFailed)
	assert.ErrorIs(t, err, cause)
}

func TestEnsureCallerCancellation(t *testing.T) {
	store := objstore.New(objstore.NewMemoryBackend())
	analyzer := &slowAnalyzer{delay: 200 * time.Millisecond, text: "late"}
	cache := NewCache(store, analyzer)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := cache.Ensure(ctx, "s1", "m1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The flight completes and the next caller reads the cached value.
	require.Eventually(t, func() bool {
		text, ok, err := cache.Lookup(context.Background(), "s1", "m1")
		return err == nil && ok && text == "late"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), analyzer.calls.Load())
}

func TestCorruptCacheEntryIsNotRepaired(t *testing.T) {
	backend := objstore.NewMemoryBackend()
	require.NoError(t, backend.Put(context.Background(), "s1", layout.Analysis("m1"), []byte("{bad")))
	analyzer := &slowAnalyzer{text: "fresh"}
	cache := NewCache(objstore.New(backend), analyzer)

	_, err := cache.Ensure(context.Background(), "s1", "m1")
	assert.ErrorIs(t, err, objstore.ErrStoreCorrupt)
	assert.Equal(t, int32(0), analyzer.calls.Load())
}

func TestInvalidMediaAssetID(t *testing.T) {
	cache := NewCache(objstore.New(objstore.NewMemoryBackend()), &slowAnalyzer{text: "x"})
	for _, mid := range []string{"", "../m1", "a/b"} {
		_, err := cache.Ensure(context.Background(), "s1", mid)
		assert.Error(t, err, mid)
	}
}

func TestCallTimeoutBoundsAnalyzer(t *testing.T) {
	analyzer := &slowAnalyzer{delay: time.Second, text: "x"}
	cache := NewCache(objstore.New(objstore.NewMemoryBackend()), analyzer, WithCallTimeout(20*time.Millisecond))

	_, err := cache.Ensure(context.Background(), "s1", "m1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, strings.Contains(err.Error(), "m1"))
}
