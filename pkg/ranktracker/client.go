// Package ranktracker provides a client for the rank-tracking provider API:
// projects ("sites"), their search engines, keywords, aggregate stats and
// keyword position history.
package ranktracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL  = "https://api4.seranking.com"
	defaultPageSize = 1000
	maxBodyBytes    = 64 << 20
)

// Client defines the provider operations consumed by the import pipeline.
// Implementations never retry; callers own retry policy.
type Client interface {
	// ListProjects returns every project visible to the API key.
	ListProjects(ctx context.Context) ([]Project, error)
	// ListSearchEngines returns the engines attached to a project.
	ListSearchEngines(ctx context.Context, projectID int64) ([]SearchEngine, error)
	// ListKeywords returns every keyword of a project, following pagination.
	ListKeywords(ctx context.Context, projectID int64) ([]Keyword, error)
	// GetProjectStats returns the aggregate ranking summary for a project.
	GetProjectStats(ctx context.Context, projectID int64) (*ProjectStats, error)
	// GetKeywordPositions returns position history grouped by engine.
	GetKeywordPositions(ctx context.Context, projectID int64, q PositionsQuery) ([]PositionGroup, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRateLimit sets the initial requests-per-second budget.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *httpClient) {
		if perSec > 0 {
			c.limiter = NewAdaptiveLimiter(rate.Limit(perSec), burst)
		}
	}
}

// WithPageSize sets the keyword page size.
func WithPageSize(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

type httpClient struct {
	apiKey   string
	baseURL  string
	pageSize int
	http     *http.Client
	limiter  *AdaptiveLimiter
	now      func() time.Time
}

// NewClient creates a provider API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		pageSize: defaultPageSize,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: NewAdaptiveLimiter(5, 5),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := c.get(ctx, "/sites", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *httpClient) ListSearchEngines(ctx context.Context, projectID int64) ([]SearchEngine, error) {
	var out []SearchEngine
	if err := c.get(ctx, fmt.Sprintf("/sites/%d/search-engines", projectID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *httpClient) ListKeywords(ctx context.Context, projectID int64) ([]Keyword, error) {
	path := fmt.Sprintf("/sites/%d/keywords", projectID)

	var all []Keyword
	var prevFirst int64 = -1
	for offset := 0; ; {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(c.pageSize))
		q.Set("offset", strconv.Itoa(offset))

		var page []Keyword
		if err := c.get(ctx, path, q, &page); err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		// A provider that ignores offset returns the same page forever.
		if page[0].ID == prevFirst {
			break
		}
		prevFirst = page[0].ID

		all = append(all, page...)
		if len(page) < c.pageSize {
			break
		}
		offset += len(page)
	}
	return all, nil
}

func (c *httpClient) GetProjectStats(ctx context.Context, projectID int64) (*ProjectStats, error) {
	var out ProjectStats
	if err := c.get(ctx, fmt.Sprintf("/sites/%d/stat", projectID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) GetKeywordPositions(ctx context.Context, projectID int64, pq PositionsQuery) ([]PositionGroup, error) {
	q := url.Values{}
	if pq.DateFrom != "" {
		q.Set("date_from", pq.DateFrom)
	}
	if pq.DateTo != "" {
		q.Set("date_to", pq.DateTo)
	}
	if pq.SearchEngineID != 0 {
		q.Set("site_engine_id", strconv.FormatInt(pq.SearchEngineID, 10))
	}

	var out []PositionGroup
	if err := c.get(ctx, fmt.Sprintf("/sites/%d/positions", projectID), q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// get performs one rate-limited GET and decodes a JSON body into out.
// Non-2xx responses come back as *ExternalAPIError, unwrapped.
func (c *httpClient) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "ranktracker: rate limiter wait")
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return eris.Wrap(err, "ranktracker: create request")
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "ranktracker: GET %s", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return eris.Wrapf(err, "ranktracker: read %s", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusTooManyRequests {
			c.limiter.OnRateLimit()
		}
		return &ExternalAPIError{
			Endpoint:   "GET " + path,
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}
	c.limiter.OnSuccess()

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "ranktracker: unmarshal %s", path)
	}
	return nil
}
