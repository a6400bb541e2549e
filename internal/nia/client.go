// Package nia is a client for the Nia retrieval backend that indexes the
// forum: semantic search, tree browse, path read, pattern grep and web
// search.
package nia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samsaffron/forumchat/internal/config"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const maxErrorBody = 2048

var errHardTimeout = errors.New("hard timeout")

// Client calls the retrieval backend. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client from the nia section of the configuration.
func NewClient(cfg config.NiaConfig, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  slog.Default(),
	}
	if c.baseURL == "" {
		c.baseURL = config.DefaultNiaBaseURL
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasAPIKey reports whether a bearer credential is configured.
func (c *Client) HasAPIKey() bool {
	return c.apiKey != ""
}

// Search runs a semantic search across sources.
func (c *Client) Search(ctx context.Context, query string, sources []string) (*SearchResult, error) {
	body := searchRequest{
		Messages:       []ChatMessage{{Role: "user", Content: query}},
		SearchMode:     "sources",
		IncludeSources: true,
		DataSources:    sources,
	}
	var raw json.RawMessage
	if err := c.do(ctx, "search", http.MethodPost, "/search/query", body, &raw); err != nil {
		return nil, err
	}
	return &SearchResult{Excerpts: parseExcerpts(raw), Raw: raw}, nil
}

// Tree returns the hierarchical listing of a source.
func (c *Client) Tree(ctx context.Context, sourceID string) (*TreeResult, error) {
	var resp treeResponse
	if err := c.do(ctx, "tree", http.MethodGet, sourcePath(sourceID, "tree"), nil, &resp); err != nil {
		return nil, err
	}
	return &TreeResult{
		Tree:      resp.TreeString,
		PageCount: resp.PageCount,
		BaseURL:   resp.BaseURL,
		SourceID:  sourceID,
	}, nil
}

// Read returns the full content at path. A 4xx other than rate limiting
// is reported as a NotFoundError.
func (c *Client) Read(ctx context.Context, sourceID, path string) (*Document, error) {
	endpoint := sourcePath(sourceID, "read") + "?" + url.Values{"path": {path}}.Encode()
	var doc Document
	err := c.do(ctx, "read", http.MethodGet, endpoint, nil, &doc)
	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.Status >= 400 && upstream.Status < 500 &&
		upstream.Status != http.StatusTooManyRequests && upstream.Status != http.StatusRequestTimeout {
		return nil, &NotFoundError{Path: path, Status: upstream.Status, Body: upstream.Body}
	}
	if err != nil {
		return nil, err
	}
	doc.SourceID = sourceID
	return &doc, nil
}

// Grep runs a pattern search over one source.
func (c *Client) Grep(ctx context.Context, sourceID string, req GrepRequest) (*GrepResult, error) {
	var resp grepResponse
	if err := c.do(ctx, "grep", http.MethodPost, sourcePath(sourceID, "grep"), req, &resp); err != nil {
		return nil, err
	}
	return &GrepResult{
		Matches:          resp.Matches,
		Files:            resp.Files,
		Counts:           resp.Counts,
		Pattern:          resp.Pattern,
		PathFilter:       resp.PathFilter,
		TotalMatches:     resp.TotalMatches,
		FilesSearched:    resp.FilesSearched,
		FilesWithMatches: resp.FilesWithMatches,
		Truncated:        resp.Truncated,
		Options:          resp.Options,
		SourceID:         sourceID,
	}, nil
}

// WebSearch searches the web outside the indexed forum.
func (c *Client) WebSearch(ctx context.Context, req WebSearchRequest) (*WebSearchResult, error) {
	var resp WebSearchResult
	if err := c.do(ctx, "web_search", http.MethodPost, "/search/web", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func sourcePath(sourceID, verb string) string {
	return "/data-sources/" + url.PathEscape(sourceID) + "/" + verb
}

// do performs one JSON round trip under the rate limiter and hard timeout.
func (c *Client) do(ctx context.Context, op, method, endpoint string, in, out any) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.timeout, errHardTimeout)
		defer cancel()
	}

	start := time.Now()
	err := c.roundTrip(ctx, op, method, endpoint, in, out)
	if err != nil && errors.Is(context.Cause(ctx), errHardTimeout) {
		err = &TimeoutError{Op: op, After: c.timeout}
	}
	c.logger.Debug("nia request", "op", op, "method", method, "duration", time.Since(start), "error", err)
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, endpoint string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("nia %s: %w", op, err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("nia %s: fetch failed: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("nia %s: failed to read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UpstreamError{Op: op, Status: resp.StatusCode, Body: clipBody(data, maxErrorBody)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("nia %s: failed to parse response: %w", op, err)
	}
	return nil
}

// parseExcerpts pulls citation metadata out of a search response. Field
// names vary between source types, so lookups fall back through aliases.
func parseExcerpts(raw json.RawMessage) []Excerpt {
	sources := gjson.GetBytes(raw, "sources")
	if !sources.IsArray() {
		return nil
	}
	var out []Excerpt
	sources.ForEach(func(_, s gjson.Result) bool {
		if s.Type == gjson.String {
			out = append(out, Excerpt{Content: s.String()})
			return true
		}
		out = append(out, Excerpt{
			Title:   firstString(s, "title", "metadata.title", "metadata.page_title"),
			Path:    firstString(s, "path", "metadata.file_path", "metadata.path", "file_path"),
			URL:     firstString(s, "url", "metadata.url", "metadata.source_url"),
			Score:   s.Get("score").Float(),
			Content: firstString(s, "content", "text", "snippet"),
		})
		return true
	})
	return out
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// clipBody returns at most n bytes of body without splitting a UTF-8
// sequence.
func clipBody(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut])
}
