// Package githubapi is the gateway's client for the GitHub REST API: the
// repository search endpoint and the rate-limit status endpoint.
//
// Every search response carries the credential's current quota in its
// X-RateLimit-* headers; Search parses and returns them alongside the
// payload so the token manager can record fresh usage after each call.
package githubapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/krishna-kudari/searchgate/token"
)

const (
	// DefaultBaseURL is the public GitHub API endpoint.
	DefaultBaseURL = "https://api.github.com"

	// DefaultTimeout bounds a single upstream call, independent of any
	// dedup polling budget.
	DefaultTimeout = 30 * time.Second

	acceptHeader = "application/vnd.github.v3+json"
	userAgent    = "searchgate"
)

// Repo is one repository from a search response, projected down to the
// fields the gateway exposes. Description and Language are nullable
// upstream and stay nullable here.
type Repo struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Stars       int64   `json:"stars"`
	Language    *string `json:"language"`
	URL         string  `json:"url"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

// SearchResult is a parsed search response.
type SearchResult struct {
	TotalCount int64
	Repos      []Repo
}

// RateLimitedError reports a 403-class quota rejection for the credential
// used. The embedded RateLimit is what the response headers claimed.
type RateLimitedError struct {
	RateLimit token.RateLimit
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("githubapi: rate limit exceeded (remaining=%d, reset=%d)",
		e.RateLimit.Remaining, e.RateLimit.Reset)
}

// APIError reports a non-quota upstream failure.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("githubapi: upstream returned %d: %s", e.StatusCode, e.Body)
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (used by tests).
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = base }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client calls the GitHub API with a caller-supplied credential per
// request; it holds no credential state of its own.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client with a 30s request timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchResponse struct {
	TotalCount int64 `json:"total_count"`
	Items      []struct {
		ID              int64   `json:"id"`
		FullName        string  `json:"full_name"`
		Description     *string `json:"description"`
		StargazersCount int64   `json:"stargazers_count"`
		Language        *string `json:"language"`
		HTMLURL         string  `json:"html_url"`
		CreatedAt       string  `json:"created_at"`
		UpdatedAt       string  `json:"updated_at"`
	} `json:"items"`
}

// Search runs a repository search sorted by stars, descending. The
// returned RateLimit is parsed from the response headers whether the call
// succeeded or not, so usage can always be recorded. A 403-class response
// yields a *RateLimitedError; other non-2xx responses yield an *APIError.
func (c *Client) Search(ctx context.Context, secret, query string, page, perPage int) (*SearchResult, token.RateLimit, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("sort", "stars")
	q.Set("order", "desc")
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/search/repositories?"+q.Encode(), nil)
	if err != nil {
		return nil, token.RateLimit{}, err
	}
	c.setHeaders(req, secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, token.RateLimit{}, fmt.Errorf("githubapi: search request failed: %w", err)
	}
	defer resp.Body.Close()

	rl := rateLimitFromHeaders(resp.Header)

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return nil, rl, &RateLimitedError{RateLimit: rl}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, rl, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, rl, fmt.Errorf("githubapi: decoding search response: %w", err)
	}

	result := &SearchResult{
		TotalCount: parsed.TotalCount,
		Repos:      make([]Repo, 0, len(parsed.Items)),
	}
	for _, item := range parsed.Items {
		result.Repos = append(result.Repos, Repo{
			ID:          item.ID,
			Name:        item.FullName,
			Description: item.Description,
			Stars:       item.StargazersCount,
			Language:    item.Language,
			URL:         item.HTMLURL,
			CreatedAt:   item.CreatedAt,
			UpdatedAt:   item.UpdatedAt,
		})
	}
	return result, rl, nil
}

type rateLimitResponse struct {
	Resources struct {
		Search token.RateLimit `json:"search"`
		Core   token.RateLimit `json:"core"`
	} `json:"resources"`
}

// FetchRateLimit queries the dedicated rate-limit status endpoint for the
// quota attached to secret. The search resource is what the gateway
// consumes; if the body can't be parsed the response headers serve as a
// fallback. Implements token.QuotaFetcher.
func (c *Client) FetchRateLimit(ctx context.Context, secret string) (token.RateLimit, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rate_limit", nil)
	if err != nil {
		return token.RateLimit{}, err
	}
	c.setHeaders(req, secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return token.RateLimit{}, fmt.Errorf("githubapi: rate limit request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var parsed rateLimitResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err == nil {
			return parsed.Resources.Search, nil
		}
	}
	io.Copy(io.Discard, resp.Body)
	return rateLimitFromHeaders(resp.Header), nil
}

func (c *Client) setHeaders(req *http.Request, secret string) {
	req.Header.Set("Authorization", "token "+secret)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", userAgent)
}

func rateLimitFromHeaders(h http.Header) token.RateLimit {
	rl := token.RateLimit{Limit: 5000}
	if v, err := strconv.ParseInt(h.Get("x-ratelimit-remaining"), 10, 64); err == nil {
		rl.Remaining = v
	}
	if v, err := strconv.ParseInt(h.Get("x-ratelimit-limit"), 10, 64); err == nil {
		rl.Limit = v
	}
	if v, err := strconv.ParseInt(h.Get("x-ratelimit-reset"), 10, 64); err == nil {
		rl.Reset = v
	}
	return rl
}
