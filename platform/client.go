package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/model"
)

// DefaultTimeout bounds each facade call.
const DefaultTimeout = 60 * time.Second

// maxErrorBody bounds error bodies read into messages.
const maxErrorBody = 512

// Client calls the platform facade over HTTP JSON.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a facade client rooted at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    http.DefaultClient,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchRequest struct {
	Query    string `json:"query"`
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"page_size"`
}

type wireItem struct {
	VideoID      int           `json:"video_id"`
	MediaAssetID string        `json:"media_asset_id"`
	Title        string        `json:"title"`
	Metrics      model.Metrics `json:"metrics"`
	Platform     string        `json:"platform"`
}

type searchResponse struct {
	Items      []wireItem `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// Search requests one page of results. Items whose media asset id is not a
// UUID are dropped; the rest keep their order.
func (c *Client) Search(ctx context.Context, query, cursor string, pageSize int) (SearchResult, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var resp searchResponse
	if err := c.post(ctx, "/v1/search", searchRequest{Query: query, Cursor: cursor, PageSize: pageSize}, &resp); err != nil {
		return SearchResult{}, fmt.Errorf("search %q: %w", query, err)
	}

	out := SearchResult{NextCursor: resp.NextCursor, Items: make([]model.SearchItem, 0, len(resp.Items))}
	for _, it := range resp.Items {
		mid, err := NormalizeMediaID(it.MediaAssetID)
		if err != nil {
			c.logger.Warn("dropping search item with invalid media id", zap.String("media_asset_id", it.MediaAssetID))
			continue
		}
		out.Items = append(out.Items, model.SearchItem{
			VideoID:      it.VideoID,
			MediaAssetID: mid,
			Title:        it.Title,
			Metrics:      it.Metrics,
			Source:       it.Platform,
		})
	}
	return out, nil
}

type analyzeResponse struct {
	Analysis string `json:"analysis"`
	Error    string `json:"error"`
}

// Analyze requests the markdown analysis for one media asset.
func (c *Client) Analyze(ctx context.Context, mediaAssetID string) (string, error) {
	mid, err := NormalizeMediaID(mediaAssetID)
	if err != nil {
		return "", err
	}
	var resp analyzeResponse
	if err := c.post(ctx, "/v1/analyze", map[string]string{"media_asset_id": mid}, &resp); err != nil {
		return "", fmt.Errorf("analyze %s: %w", mid, err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("analyze %s: %w: %s", mid, ErrUpstream, resp.Error)
	}
	return resp.Analysis, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrToolTimeout, err)
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func classifyTransport(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrToolTimeout, err)
	}
	return fmt.Errorf("request failed: %w", err)
}

// Verify Client implements Searcher and Analyzer
var (
	_ Searcher = (*Client)(nil)
	_ Analyzer = (*Client)(nil)
)
