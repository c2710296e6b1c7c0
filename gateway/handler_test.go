package gateway_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-kudari/searchgate/dedup"
	"github.com/krishna-kudari/searchgate/gateway"
	"github.com/krishna-kudari/searchgate/githubapi"
	"github.com/krishna-kudari/searchgate/ratelimit"
	"github.com/krishna-kudari/searchgate/store/memory"
	"github.com/krishna-kudari/searchgate/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeGitHub stands in for the upstream API. Credentials listed in forbid
// get a 403 quota rejection from the search endpoint; everything else gets
// a fixed two-repo result page.
type fakeGitHub struct {
	mu          sync.Mutex
	searchCalls int
	delay       time.Duration
	forbid      map[string]bool
	srv         *httptest.Server
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	f := &fakeGitHub{forbid: map[string]bool{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGitHub) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchCalls
}

func (f *fakeGitHub) handle(w http.ResponseWriter, r *http.Request) {
	secret := strings.TrimPrefix(r.Header.Get("Authorization"), "token ")
	reset := time.Now().Add(30 * time.Minute).Unix()

	switch r.URL.Path {
	case "/rate_limit":
		fmt.Fprintf(w, `{"resources":{"search":{"remaining":30,"limit":30,"reset":%d}}}`, reset)

	case "/search/repositories":
		f.mu.Lock()
		f.searchCalls++
		forbidden := f.forbid[secret]
		delay := f.delay
		f.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}

		if forbidden {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Limit", "30")
			w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset))
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"message":"API rate limit exceeded"}`)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", "29")
		w.Header().Set("X-RateLimit-Limit", "30")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset))
		fmt.Fprint(w, `{
			"total_count": 2,
			"items": [
				{"id": 1, "full_name": "alpha/one", "description": "first", "stargazers_count": 900,
				 "language": "Go", "html_url": "https://example.com/alpha/one",
				 "created_at": "2026-08-01T00:00:00Z", "updated_at": "2026-08-20T00:00:00Z"},
				{"id": 2, "full_name": "beta/two", "description": null, "stargazers_count": 400,
				 "language": null, "html_url": "https://example.com/beta/two",
				 "created_at": "2026-08-05T00:00:00Z", "updated_at": "2026-08-21T00:00:00Z"}
			]
		}`)

	default:
		http.NotFound(w, r)
	}
}

func newTestRouter(t *testing.T, fake *fakeGitHub, tokens string, limit int64) *gin.Engine {
	s := memory.New()
	t.Cleanup(func() { s.Close() })

	client := githubapi.NewClient(githubapi.WithBaseURL(fake.srv.URL))
	mgr, err := token.NewManager(tokens, s, client)
	require.NoError(t, err)
	limiter, err := ratelimit.New(s, limit, time.Minute)
	require.NoError(t, err)
	coalescer := dedup.New(s)

	g := gateway.New(limiter, mgr, coalescer, client,
		gateway.WithAllowedOrigins([]string{"http://localhost:5173"}))
	return g.Router()
}

func doGet(router *gin.Engine, path, session string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Origin", "http://localhost:5173")
	if session != "" {
		req.Header.Set("X-Session-ID", session)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSearchSuccess(t *testing.T) {
	fake := newFakeGitHub(t)
	router := newTestRouter(t, fake, "secret-a", 100)

	w := doGet(router, "/api/repos?days=7&stars=100&language=go", "s1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Total      int64            `json:"total"`
		Repos      []githubapi.Repo `json:"repos"`
		Page       int              `json:"page"`
		PerPage    int              `json:"perPage"`
		TotalPages int64            `json:"totalPages"`
		RateLimit  struct {
			Remaining int64 `json:"remaining"`
			Limit     int64 `json:"limit"`
			Reset     int64 `json:"reset"`
		} `json:"rateLimit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, int64(2), resp.Total)
	require.Len(t, resp.Repos, 2)
	assert.Equal(t, "alpha/one", resp.Repos[0].Name)
	assert.Nil(t, resp.Repos[1].Description)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 100, resp.PerPage)
	assert.Equal(t, int64(1), resp.TotalPages)
	assert.Equal(t, int64(29), resp.RateLimit.Remaining)

	assert.Equal(t, "token_0", w.Header().Get("X-GitHub-Token-Id"))
	assert.Equal(t, "29", w.Header().Get("X-GitHub-RateLimit-Remaining"))
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, 1, fake.calls())
}

func TestSearchInvalidParams(t *testing.T) {
	fake := newFakeGitHub(t)
	router := newTestRouter(t, fake, "secret-a", 100)

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"non-numeric days", "/api/repos?days=abc", "Invalid query parameters"},
		{"negative stars", "/api/repos?stars=-1", "Invalid parameter values"},
		{"zero page", "/api/repos?page=0", "Invalid parameter values"},
		{"perPage over cap", "/api/repos?perPage=101", "Invalid parameter values"},
		{"bad dateType", "/api/repos?dateType=weird", `Invalid dateType. Must be "exact", "after", or "range"`},
		{"range missing dates", "/api/repos?dateType=range", `startDate and endDate are required when dateType is "range"`},
		{"range bad format", "/api/repos?dateType=range&startDate=2026/01/01&endDate=2026-02-01", "Invalid date format. Use YYYY-MM-DD"},
		{"range inverted", "/api/repos?dateType=range&startDate=2026-03-01&endDate=2026-02-01", "startDate must be before or equal to endDate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doGet(router, tt.path, "s1")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantErr, resp.Error)
		})
	}
	assert.Zero(t, fake.calls(), "invalid requests never reach upstream")
}

func TestClientRateLimitEnforced(t *testing.T) {
	fake := newFakeGitHub(t)
	router := newTestRouter(t, fake, "secret-a", 2)

	require.Equal(t, http.StatusOK, doGet(router, "/api/repos?days=1", "s1").Code)
	require.Equal(t, http.StatusOK, doGet(router, "/api/repos?days=2", "s1").Code)

	w := doGet(router, "/api/repos?days=3", "s1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, w.Body.String(), "Rate limit exceeded")

	// A different session keeps its own quota.
	assert.Equal(t, http.StatusOK, doGet(router, "/api/repos?days=3", "s2").Code)
}

func TestFailoverOnQuotaRejection(t *testing.T) {
	fake := newFakeGitHub(t)
	fake.forbid["secret-a"] = true
	router := newTestRouter(t, fake, "secret-a,secret-b", 100)

	w := doGet(router, "/api/repos?days=7", "s1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "token_1", w.Header().Get("X-GitHub-Token-Id"))
	assert.Equal(t, 2, fake.calls(), "one rejection, one failover call")
}

func TestAllTokensExhausted(t *testing.T) {
	fake := newFakeGitHub(t)
	fake.forbid["secret-a"] = true
	router := newTestRouter(t, fake, "secret-a", 100)

	w := doGet(router, "/api/repos?days=7", "s1")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var resp struct {
		Error     string `json:"error"`
		RateLimit *struct {
			Remaining int64 `json:"remaining"`
		} `json:"rateLimit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "GitHub API rate limit exceeded for all tokens", resp.Error)
	require.NotNil(t, resp.RateLimit)
	assert.Equal(t, int64(0), resp.RateLimit.Remaining)
	assert.Equal(t, 1, fake.calls(), "a single-token pool has nowhere to fail over")
}

func TestIdenticalRequestsCoalesce(t *testing.T) {
	fake := newFakeGitHub(t)
	fake.delay = 300 * time.Millisecond
	router := newTestRouter(t, fake, "secret-a", 100)

	const n = 5
	bodies := make([]string, n)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w := doGet(router, "/api/repos?days=7&stars=50", "s0")
		require.Equal(t, http.StatusOK, w.Code)
		bodies[0] = w.Body.String()
	}()
	time.Sleep(80 * time.Millisecond)

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := doGet(router, "/api/repos?days=7&stars=50", fmt.Sprintf("s%d", i))
			require.Equal(t, http.StatusOK, w.Code)
			bodies[i] = w.Body.String()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fake.calls(), "identical in-flight requests share one upstream call")
	for i := 1; i < n; i++ {
		assert.JSONEq(t, bodies[0], bodies[i])
	}
}

func TestRateLimitStatus(t *testing.T) {
	fake := newFakeGitHub(t)
	router := newTestRouter(t, fake, "secret-a,secret-b", 100)

	w := doGet(router, "/api/rate-limit", "s1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		RateLimit struct {
			Remaining int64 `json:"remaining"`
			Limit     int64 `json:"limit"`
		} `json:"rateLimit"`
		Tokens []struct {
			TokenID   string `json:"tokenId"`
			Remaining int64  `json:"remaining"`
			Available bool   `json:"available"`
		} `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	require.Len(t, resp.Tokens, 2)
	assert.Equal(t, "token_0", resp.Tokens[0].TokenID)
	assert.Equal(t, "token_1", resp.Tokens[1].TokenID)
	assert.True(t, resp.Tokens[0].Available)
	// The fake reports 30 remaining per token on the probe.
	assert.Equal(t, int64(60), resp.RateLimit.Remaining)
	assert.Equal(t, int64(60), resp.RateLimit.Limit)
	assert.Zero(t, fake.calls(), "status endpoint never runs a search")
}

func TestPreflight(t *testing.T) {
	fake := newFakeGitHub(t)
	router := newTestRouter(t, fake, "secret-a", 100)

	req := httptest.NewRequest(http.MethodOptions, "/api/repos", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Zero(t, fake.calls())
}

func TestDisallowedOriginGetsNoCORSHeader(t *testing.T) {
	fake := newFakeGitHub(t)
	router := newTestRouter(t, fake, "secret-a", 100)

	req := httptest.NewRequest(http.MethodGet, "/api/repos?days=1", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("X-Session-ID", "s1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMethodNotAllowed(t *testing.T) {
	fake := newFakeGitHub(t)
	router := newTestRouter(t, fake, "secret-a", 100)

	req := httptest.NewRequest(http.MethodPost, "/api/repos", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthz(t *testing.T) {
	fake := newFakeGitHub(t)
	router := newTestRouter(t, fake, "secret-a", 100)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
