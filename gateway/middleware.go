package gateway

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDKey = "request_id"

func (g *Gateway) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (g *Gateway) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		g.logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", c.GetString(requestIDKey)),
		)
	}
}

// admission enforces the per-client quota. Limiter state lives in the
// coordination store, so the decision is consistent across instances; a
// store failure inside the limiter admits the request (fail open).
func (g *Gateway) admission() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		identity := clientIdentity(c.Request)
		res := g.limiter.Allow(c.Request.Context(), identity)
		if g.collector != nil {
			g.collector.Admission(res.Allowed)
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			retryAfter := int64(math.Ceil(res.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
				Error: "Rate limit exceeded. Please try again later.",
			})
			return
		}
		c.Next()
	}
}

// clientIdentity resolves a stable per-caller key: session first (header,
// then cookie), client IP as the fallback.
func clientIdentity(r *http.Request) string {
	if sid := r.Header.Get("X-Session-ID"); sid != "" {
		return "session:" + sid
	}
	if sid := r.Header.Get("Session-ID"); sid != "" {
		return "session:" + sid
	}
	for _, name := range []string{"sessionID", "session_id"} {
		if ck, err := r.Cookie(name); err == nil && ck.Value != "" {
			return "session:" + ck.Value
		}
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
