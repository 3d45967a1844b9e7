// Package peoplesearch is a client for the page-oriented person search
// provider. The provider enriches each candidate and creates leads itself;
// callers only see the per-page aggregates.
package peoplesearch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/icp-miner/internal/resilience"
)

const defaultBaseURL = "https://api.peoplesearch.io"

// Client fetches one page of candidates for a saved search.
type Client interface {
	SearchPage(ctx context.Context, req PageRequest) (*PageResponse, error)
}

// PageRequest identifies one page of a saved search.
type PageRequest struct {
	Query     string `json:"query"`
	Page      int    `json:"page"`
	PageSize  int    `json:"page_size"`
	SiteID    string `json:"site_id"`
	UserID    string `json:"user_id,omitempty"`
	ProfileID string `json:"profile_id,omitempty"`
}

// Person is a candidate returned by the provider.
type Person struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Title     string `json:"title,omitempty"`
	Company   string `json:"company,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Email     string `json:"email,omitempty"`
	Qualified bool   `json:"qualified"`
}

// PageResponse is one page of results plus pagination metadata.
type PageResponse struct {
	Success bool     `json:"success"`
	Persons []Person `json:"persons"`
	// Total is the population size, when the provider knows it.
	Total        *int     `json:"total,omitempty"`
	HasMore      bool     `json:"has_more"`
	Processed    int      `json:"processed"`
	FoundMatches int      `json:"found_matches"`
	LeadsCreated []string `json:"leads_created,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	// PageSize is the page size the provider actually used.
	PageSize int `json:"page_size,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
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

// WithGuard routes every request through g (rate limit, breaker, retry).
func WithGuard(g *resilience.Guard) Option {
	return func(c *httpClient) {
		c.guard = g
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	guard   *resilience.Guard
}

// NewClient creates a people search client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SearchPage(ctx context.Context, req PageRequest) (*PageResponse, error) {
	if c.guard == nil {
		return c.searchPage(ctx, req)
	}
	return resilience.Call(ctx, c.guard, func(ctx context.Context) (*PageResponse, error) {
		return c.searchPage(ctx, req)
	})
}

func (c *httpClient) searchPage(ctx context.Context, pr PageRequest) (*PageResponse, error) {
	body, err := json.Marshal(pr)
	if err != nil {
		return nil, eris.Wrap(err, "peoplesearch: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/search/page", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "peoplesearch: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if pr.ProfileID != "" {
		req.Header.Set("X-Correlation-ID", pr.ProfileID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "peoplesearch: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "peoplesearch: read response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := eris.Errorf("peoplesearch: unexpected status %d: %s", resp.StatusCode, truncate(respBody, 256))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return nil, apiErr
	}

	var result PageResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "peoplesearch: unmarshal response")
	}
	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
