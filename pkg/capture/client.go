// Package capture is a client for the event-capture query API.
package capture

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

const defaultPageSize = 1000

// Client pages through captured events.
type Client interface {
	Fetch(ctx context.Context, req FetchRequest) (*Page, error)
}

// FetchRequest selects one page of events in [After, Before).
type FetchRequest struct {
	After  time.Time
	Before time.Time
	Events []string
	Cursor string
	Limit  int
}

// Event is one captured event as returned by the API. Properties are left
// raw so that callers decide how to handle undecodable payloads.
type Event struct {
	UUID       string          `json:"uuid"`
	Event      string          `json:"event"`
	Timestamp  time.Time       `json:"timestamp"`
	DistinctID string          `json:"distinct_id"`
	Properties json.RawMessage `json:"properties"`
}

// Page is one page of results. Next is empty on the last page.
type Page struct {
	Results []Event `json:"results"`
	Next    string  `json:"next"`
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("capture: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit throttles requests to rps. Zero disables throttling.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// WithProject scopes queries to one project.
func WithProject(id string) Option {
	return func(c *httpClient) {
		c.project = id
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	project string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a capture API client.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(5, 5),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Fetch(ctx context.Context, req FetchRequest) (*Page, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "capture: rate limit")
		}
	}

	q := url.Values{}
	q.Set("after", req.After.UTC().Format(time.RFC3339Nano))
	q.Set("before", req.Before.UTC().Format(time.RFC3339Nano))
	for _, name := range req.Events {
		q.Add("event", name)
	}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	q.Set("limit", strconv.Itoa(limit))

	path := "/v1/events"
	if c.project != "" {
		path = "/v1/projects/" + url.PathEscape(c.project) + "/events"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "capture: create request")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "capture: send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "capture: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, eris.Wrap(err, "capture: unmarshal response")
	}
	return &page, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
