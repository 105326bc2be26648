package objstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
}

type sample struct {
	Name  string            `json:"name"`
	Count int               `json:"count"`
	Tags  []string          `json:"tags"`
	Meta  map[string]string `json:"meta"`
}

func TestReadMissingReturnsFalse(t *testing.T) {
	s := New(NewMemoryBackend())
	var v sample
	found, err := s.ReadJSON(context.Background(), "s1", "progress.json", &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWriteReadRoundTripProperty(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("read_json after write_json returns the written value", prop.ForAll(
		func(name string, count int, tags []string) bool {
			in := sample{Name: name, Count: count, Tags: tags, Meta: map[string]string{"k": name}}
			if err := s.WriteJSON(ctx, "s1", "x/value.json", in); err != nil {
				return false
			}
			var out sample
			found, err := s.ReadJSON(ctx, "s1", "x/value.json", &out)
			if err != nil || !found {
				return false
			}
			if len(in.Tags) == 0 && len(out.Tags) == 0 {
				out.Tags = in.Tags
			}
			return assert.ObjectsAreEqual(in, out)
		},
		gen.AnyString(),
		gen.Int(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestLargeValuesAreGzippedTransparently(t *testing.T) {
	backend := NewMemoryBackend()
	s := New(backend, WithGzipThreshold(64))
	ctx := context.Background()

	in := map[string]string{"analysis": strings.Repeat("hook ", 200)}
	require.NoError(t, s.WriteJSON(ctx, "s1", "analysis/a.json", in))

	raw, err := backend.Get(ctx, "s1", "analysis/a.json")
	require.NoError(t, err)
	assert.Equal(t, gzipMagic, raw[:2])
	assert.Less(t, len(raw), 1000)

	var out map[string]string
	found, err := s.ReadJSON(ctx, "s1", "analysis/a.json", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)
}

func TestMalformedJSONIsCorrupt(t *testing.T) {
	backend := NewMemoryBackend()
	require.NoError(t, backend.Put(context.Background(), "s1", "progress.json", []byte("{not json")))

	s := New(backend)
	var v map[string]any
	_, err := s.ReadJSON(context.Background(), "s1", "progress.json", &v)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreCorrupt))

	// Not repaired: the bytes are unchanged.
	raw, err := backend.Get(context.Background(), "s1", "progress.json")
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(raw))
}

type flakyBackend struct {
	*MemoryBackend
	failures int
	calls    int
}

func (f *flakyBackend) Put(ctx context.Context, ns, p string, data []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	return f.MemoryBackend.Put(ctx, ns, p, data)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), failures: 2}
	s := New(backend, WithBackOff(fastBackOff))

	require.NoError(t, s.WriteJSON(context.Background(), "s1", "a.json", map[string]int{"a": 1}))
	assert.Equal(t, 3, backend.calls)
}

func TestPersistentFailureIsUnavailable(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), failures: 10}
	s := New(backend, WithBackOff(fastBackOff))

	err := s.WriteJSON(context.Background(), "s1", "a.json", map[string]int{"a": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.Equal(t, 3, backend.calls)
}

func TestNamespacesAreIsolated(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()

	require.NoError(t, s.WriteJSON(ctx, "s1", "hooks-001.json", map[string]int{}))
	require.NoError(t, s.WriteJSON(ctx, "s2", "hooks-002.json", map[string]int{}))

	paths, err := s.ListPaths(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"hooks-001.json"}, paths)
}

func TestNamespaceCannotReachAnother(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()
	require.NoError(t, s.WriteJSON(ctx, "s1", "x:hooks-001.json", map[string]int{}))

	_, err := s.ListPaths(ctx, "s1:x", "")
	assert.ErrorIs(t, err, ErrInvalidPath)
	var out map[string]int
	_, err = s.ReadJSON(ctx, "s1:x", "hooks-001.json", &out)
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestInvalidPathsRejected(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()

	for _, tc := range []struct{ ns, path string }{
		{"", "a.json"},
		{"s1/../s2", "a.json"},
		{"s1:x", "a.json"},
		{"s1", "../s2/a.json"},
		{"s1", "/abs.json"},
	} {
		err := s.WriteJSON(ctx, tc.ns, tc.path, 1)
		assert.ErrorIs(t, err, ErrInvalidPath, "%q %q", tc.ns, tc.path)
	}
}

func TestFSBackendAtomicReplaceAndList(t *testing.T) {
	backend, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)
	s := New(backend)
	ctx := context.Background()

	require.NoError(t, s.WriteJSON(ctx, "s1", "searches_raw/search_1.json", map[string]int{"v": 1}))
	require.NoError(t, s.WriteJSON(ctx, "s1", "searches_raw/search_1.json", map[string]int{"v": 2}))
	require.NoError(t, s.WriteJSON(ctx, "s1", "progress.json", map[string]int{"v": 3}))

	var out map[string]int
	found, err := s.ReadJSON(ctx, "s1", "searches_raw/search_1.json", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, out["v"])

	paths, err := s.ListPaths(ctx, "s1", "searches_raw/")
	require.NoError(t, err)
	assert.Equal(t, []string{"searches_raw/search_1.json"}, paths)

	paths, err = s.ListPaths(ctx, "missing", "")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestCountingBackend(t *testing.T) {
	counting := NewCounting(NewMemoryBackend())
	s := New(counting, WithBackOff(fastBackOff))
	ctx := context.Background()

	require.NoError(t, s.WriteJSON(ctx, "s1", "a.json", 1))
	require.NoError(t, s.WriteJSON(ctx, "s1", "a.json", 2))
	assert.Equal(t, 2, counting.Puts("s1", "a.json"))

	counting.FailPuts("s1", "b.json", errors.New("boom"))
	assert.Error(t, s.WriteJSON(ctx, "s1", "b.json", 1))
	assert.Equal(t, 0, counting.Puts("s1", "b.json"))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}
