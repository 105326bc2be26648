package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const midA = "3F2504E0-4F89-11D3-9A0C-0305E82C3301"

func TestSearchNormalizesItems(t *testing.T) {
	var got searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprintf(w, `{"items":[
			{"video_id":1,"media_asset_id":%q,"title":"a","metrics":{"view_count":"12"},"platform":"tiktok"},
			{"video_id":2,"media_asset_id":"not-a-uuid","title":"b","metrics":{"view_count":3}}
		],"next_cursor":"c2"}`, midA)
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL+"/", "secret").Search(context.Background(), "cooking", "", 0)
	require.NoError(t, err)
	assert.Equal(t, searchRequest{Query: "cooking", PageSize: DefaultPageSize}, got)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "3f2504e0-4f89-11d3-9a0c-0305e82c3301", res.Items[0].MediaAssetID)
	assert.Equal(t, int64(12), res.Items[0].Metrics.ViewCount)
	assert.Equal(t, "tiktok", res.Items[0].Source)
	assert.Equal(t, "c2", res.NextCursor)
}

func TestAnalyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["media_asset_id"] == "3f2504e0-4f89-11d3-9a0c-0305e82c3301" {
			fmt.Fprint(w, `{"analysis":"# hook"}`)
			return
		}
		fmt.Fprint(w, `{"error":"video unavailable"}`)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "")

	md, err := c.Analyze(context.Background(), midA)
	require.NoError(t, err)
	assert.Equal(t, "# hook", md)

	_, err = c.Analyze(context.Background(), "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.ErrorIs(t, err, ErrUpstream)

	_, err = c.Analyze(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrInvalidMediaID)
}

func TestUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k").Search(context.Background(), "q", "", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Contains(t, err.Error(), "503")
	assert.NotContains(t, err.Error(), "Bearer")
}

func TestTimeoutIsTyped(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewClient(srv.URL, "", WithTimeout(30*time.Millisecond)).Search(context.Background(), "q", "", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolTimeout)
	assert.True(t, IsTimeout(err))
}

func TestNormalizeMediaID(t *testing.T) {
	id, err := NormalizeMediaID("  " + midA + " ")
	require.NoError(t, err)
	assert.Equal(t, "3f2504e0-4f89-11d3-9a0c-0305e82c3301", id)

	_, err = NormalizeMediaID("../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidMediaID)
}
