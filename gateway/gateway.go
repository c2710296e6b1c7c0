// Package gateway wires the admission limiter, request coalescer, and
// token manager into the HTTP surface of the search proxy.
//
// Per-request control flow: admission check → coalescing wrapper → token
// selection → upstream search → usage recording → single-hop failover on
// quota rejection → response assembly. Handlers are stateless; everything
// shared lives in the coordination store.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/krishna-kudari/searchgate/dedup"
	"github.com/krishna-kudari/searchgate/githubapi"
	"github.com/krishna-kudari/searchgate/metrics"
	"github.com/krishna-kudari/searchgate/ratelimit"
	"github.com/krishna-kudari/searchgate/token"
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithCollector enables Prometheus instrumentation.
func WithCollector(c *metrics.Collector) Option {
	return func(g *Gateway) { g.collector = c }
}

// WithAllowedOrigins sets the CORS allowlist.
func WithAllowedOrigins(origins []string) Option {
	return func(g *Gateway) { g.allowedOrigins = origins }
}

// Gateway is the request orchestrator.
type Gateway struct {
	limiter        *ratelimit.Limiter
	tokens         *token.Manager
	coalescer      *dedup.Coalescer
	github         *githubapi.Client
	collector      *metrics.Collector
	logger         *zap.Logger
	allowedOrigins []string
}

// New assembles a Gateway from its collaborators.
func New(limiter *ratelimit.Limiter, tokens *token.Manager, coalescer *dedup.Coalescer, github *githubapi.Client, opts ...Option) *Gateway {
	g := &Gateway{
		limiter:   limiter,
		tokens:    tokens,
		coalescer: coalescer,
		github:    github,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Router builds the gin engine with all routes and middleware attached.
func (g *Gateway) Router() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), g.requestID(), g.requestLog())

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "Not found"})
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	preflight := func(c *gin.Context) {
		// Preflight is terminated by the CORS middleware; these routes only
		// exist so gin doesn't report 405.
	}

	api := r.Group("/api", g.cors(), g.admission())
	api.GET("/repos", g.handleRepos)
	api.OPTIONS("/repos", preflight)
	api.GET("/rate-limit", g.handleRateLimitStatus)
	api.OPTIONS("/rate-limit", preflight)

	return r
}
