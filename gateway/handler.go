package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/krishna-kudari/searchgate/dedup"
	"github.com/krishna-kudari/searchgate/githubapi"
	"github.com/krishna-kudari/searchgate/metrics"
	"github.com/krishna-kudari/searchgate/token"
)

// repoQuery is the validated /api/repos parameter set.
type repoQuery struct {
	days      int
	stars     int
	page      int
	perPage   int
	language  string
	dateType  string // exact, after, or range
	startDate string
	endDate   string
}

// rateLimitEnvelope is the aggregated token pool state exposed to clients.
type rateLimitEnvelope struct {
	Remaining int64 `json:"remaining"`
	Limit     int64 `json:"limit"`
	Reset     int64 `json:"reset"`
}

type reposResponse struct {
	Total      int64             `json:"total"`
	Repos      []githubapi.Repo  `json:"repos"`
	Page       int               `json:"page"`
	PerPage    int               `json:"perPage"`
	TotalPages int64             `json:"totalPages"`
	RateLimit  rateLimitEnvelope `json:"rateLimit"`
}

type errorResponse struct {
	Error     string             `json:"error"`
	Message   string             `json:"message,omitempty"`
	Details   string             `json:"details,omitempty"`
	TokenID   string             `json:"tokenId,omitempty"`
	RateLimit *rateLimitEnvelope `json:"rateLimit,omitempty"`
}

// tokenStatus is one credential's quota state in the status response.
// The secret itself is never exposed, only the ordinal id.
type tokenStatus struct {
	TokenID   string `json:"tokenId"`
	Remaining int64  `json:"remaining"`
	Limit     int64  `json:"limit"`
	Reset     int64  `json:"reset"`
	Available bool   `json:"available"`
}

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func (g *Gateway) handleRateLimitStatus(c *gin.Context) {
	ctx := c.Request.Context()
	statuses := g.tokens.Statuses(ctx)

	out := make([]tokenStatus, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, tokenStatus{
			TokenID:   st.TokenID,
			Remaining: st.Remaining,
			Limit:     st.Limit,
			Reset:     st.Reset,
			Available: st.Available,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"rateLimit": g.poolEnvelope(ctx),
		"tokens":    out,
	})
}

func (g *Gateway) handleRepos(c *gin.Context) {
	q, verr := parseRepoQuery(c)
	if verr != "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: verr})
		return
	}

	query := buildSearchQuery(q, time.Now().UTC())
	fp := Fingerprint(query, q.page, q.perPage)

	res, err := g.coalescer.Do(c.Request.Context(), fp, g.searchWork(c, query, q))
	if err != nil {
		g.logger.Error("search request failed",
			zap.String("request_id", c.GetString(requestIDKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{
			Error:   "Failed to fetch repositories",
			Message: "An internal error occurred. Please try again later.",
		})
		return
	}
	c.Data(res.Status, "application/json; charset=utf-8", res.Body)
}

func parseRepoQuery(c *gin.Context) (*repoQuery, string) {
	days, err1 := strconv.Atoi(c.DefaultQuery("days", "7"))
	stars, err2 := strconv.Atoi(c.DefaultQuery("stars", "100"))
	page, err3 := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, err4 := strconv.Atoi(c.DefaultQuery("perPage", "100"))
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return nil, "Invalid query parameters"
	}
	if days < 0 || stars < 0 || page < 1 || perPage < 1 || perPage > 100 {
		return nil, "Invalid parameter values"
	}

	q := &repoQuery{
		days:      days,
		stars:     stars,
		page:      page,
		perPage:   perPage,
		language:  strings.TrimSpace(c.Query("language")),
		dateType:  c.DefaultQuery("dateType", "after"),
		startDate: c.Query("startDate"),
		endDate:   c.Query("endDate"),
	}

	switch q.dateType {
	case "exact", "after":
	case "range":
		if q.startDate == "" || q.endDate == "" {
			return nil, `startDate and endDate are required when dateType is "range"`
		}
		if !dateRe.MatchString(q.startDate) || !dateRe.MatchString(q.endDate) {
			return nil, "Invalid date format. Use YYYY-MM-DD"
		}
		if q.startDate > q.endDate {
			return nil, "startDate must be before or equal to endDate"
		}
	default:
		return nil, `Invalid dateType. Must be "exact", "after", or "range"`
	}
	return q, ""
}

// buildSearchQuery assembles the upstream search expression from the
// validated parameters.
func buildSearchQuery(q *repoQuery, now time.Time) string {
	var parts []string

	if q.dateType == "range" {
		parts = append(parts, fmt.Sprintf("created:%s..%s", q.startDate, q.endDate))
	} else {
		date := now.AddDate(0, 0, -q.days).Format("2006-01-02")
		if q.dateType == "exact" {
			parts = append(parts, "created:"+date)
		} else {
			parts = append(parts, "created:>"+date)
		}
	}

	parts = append(parts, fmt.Sprintf("stars:>%d", q.stars))

	if q.language != "" {
		parts = append(parts, "language:"+q.language)
	}
	return strings.Join(parts, " ")
}

// searchWork returns the closure the coalescer runs for this request.
// Every outcome, including quota saturation and upstream failure, is
// published as a structured result so followers share it instead of
// repeating a doomed call. Only marshaling problems surface as errors.
func (g *Gateway) searchWork(c *gin.Context, query string, q *repoQuery) dedup.WorkFunc {
	return func(ctx context.Context) (*dedup.Result, error) {
		cred := g.tokens.Best(ctx)

		sr, rl, err := g.callUpstream(ctx, cred, query, q)
		if err == nil {
			return g.successResult(ctx, c, cred, rl, sr, q)
		}

		var rlErr *githubapi.RateLimitedError
		if !errors.As(err, &rlErr) {
			return g.upstreamErrorResult(ctx, cred, err)
		}

		// Quota rejection: one failover hop, never an exhaustive search.
		alt, ok := g.tokens.BestExcluding(ctx, cred.ID)
		if !ok {
			return g.saturatedResult(ctx, c)
		}
		g.logger.Info("failing over to alternate token",
			zap.String("from", cred.ID), zap.String("to", alt.ID))

		sr, rl, err = g.callUpstream(ctx, alt, query, q)
		if err == nil {
			return g.successResult(ctx, c, alt, rl, sr, q)
		}
		if errors.As(err, &rlErr) {
			return g.saturatedResult(ctx, c)
		}
		return g.upstreamErrorResult(ctx, alt, err)
	}
}

// callUpstream performs one search with cred and records the quota state
// the response reported. Transport failures carry no usable headers, so
// nothing is recorded for them.
func (g *Gateway) callUpstream(ctx context.Context, cred *token.Credential, query string, q *repoQuery) (*githubapi.SearchResult, token.RateLimit, error) {
	start := time.Now()
	sr, rl, err := g.github.Search(ctx, cred.Secret, query, q.page, q.perPage)
	elapsed := time.Since(start)

	var rlErr *githubapi.RateLimitedError
	var apiErr *githubapi.APIError
	switch {
	case err == nil:
		g.observeUpstream(cred.ID, metrics.UpstreamOK, elapsed)
		g.tokens.UpdateRateLimit(ctx, cred.ID, rl)
	case errors.As(err, &rlErr):
		g.observeUpstream(cred.ID, metrics.UpstreamRateLimited, elapsed)
		g.tokens.UpdateRateLimit(ctx, cred.ID, rl)
	case errors.As(err, &apiErr):
		g.observeUpstream(cred.ID, metrics.UpstreamError, elapsed)
		g.tokens.UpdateRateLimit(ctx, cred.ID, rl)
	default:
		g.observeUpstream(cred.ID, metrics.UpstreamError, elapsed)
	}
	return sr, rl, err
}

func (g *Gateway) observeUpstream(tokenID, outcome string, elapsed time.Duration) {
	if g.collector != nil {
		g.collector.Upstream(tokenID, outcome, elapsed)
	}
}

func (g *Gateway) poolEnvelope(ctx context.Context) rateLimitEnvelope {
	return rateLimitEnvelope{
		Remaining: g.tokens.TotalRemaining(ctx),
		Limit:     g.tokens.TotalLimit(ctx),
		Reset:     g.tokens.EarliestReset(ctx),
	}
}

func (g *Gateway) successResult(ctx context.Context, c *gin.Context, cred *token.Credential, rl token.RateLimit, sr *githubapi.SearchResult, q *repoQuery) (*dedup.Result, error) {
	pool := g.poolEnvelope(ctx)

	c.Header("X-GitHub-RateLimit-Remaining", strconv.FormatInt(rl.Remaining, 10))
	c.Header("X-GitHub-RateLimit-Limit", strconv.FormatInt(rl.Limit, 10))
	c.Header("X-GitHub-RateLimit-Reset", strconv.FormatInt(rl.Reset, 10))
	c.Header("X-GitHub-Token-Id", cred.ID)
	if pool.Remaining < token.LowRemainingThreshold {
		c.Header("X-RateLimit-Warning", "low")
	}

	totalPages := (sr.TotalCount + int64(q.perPage) - 1) / int64(q.perPage)
	return jsonResult(http.StatusOK, reposResponse{
		Total:      sr.TotalCount,
		Repos:      sr.Repos,
		Page:       q.page,
		PerPage:    q.perPage,
		TotalPages: totalPages,
		RateLimit:  pool,
	})
}

// saturatedResult reports pool-wide exhaustion: a distinct, retryable
// condition with the earliest reset as the backoff hint.
func (g *Gateway) saturatedResult(ctx context.Context, c *gin.Context) (*dedup.Result, error) {
	pool := g.poolEnvelope(ctx)
	retryAfter := pool.Reset - time.Now().Unix()
	if retryAfter < 0 {
		retryAfter = 0
	}
	c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))

	return jsonResult(http.StatusServiceUnavailable, errorResponse{
		Error:     "GitHub API rate limit exceeded for all tokens",
		Message:   fmt.Sprintf("All GitHub tokens exhausted. Retry after %s", time.Unix(pool.Reset, 0).UTC().Format(time.RFC3339)),
		RateLimit: &pool,
	})
}

func (g *Gateway) upstreamErrorResult(ctx context.Context, cred *token.Credential, err error) (*dedup.Result, error) {
	pool := g.poolEnvelope(ctx)

	var apiErr *githubapi.APIError
	if errors.As(err, &apiErr) {
		return jsonResult(apiErr.StatusCode, errorResponse{
			Error:     "GitHub API error",
			Details:   apiErr.Body,
			TokenID:   cred.ID,
			RateLimit: &pool,
		})
	}

	g.logger.Error("upstream call failed", zap.String("token_id", cred.ID), zap.Error(err))
	return jsonResult(http.StatusInternalServerError, errorResponse{
		Error:   "Failed to fetch repositories",
		Message: "An internal error occurred. Please try again later.",
	})
}

func jsonResult(status int, v interface{}) (*dedup.Result, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &dedup.Result{Status: status, Body: body}, nil
}
