package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// cors applies the origin allowlist and the standard security headers,
// and terminates OPTIONS preflight requests.
func (g *Gateway) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if originAllowed(origin, g.allowedOrigins) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Session-ID")
		c.Header("Access-Control-Max-Age", "86400")

		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// originAllowed matches origin against the allowlist. Entries for
// localhost match any localhost port, so dev servers don't need to be
// enumerated one port at a time.
func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if strings.HasPrefix(a, "http://localhost") {
			if strings.HasPrefix(origin, "http://localhost") {
				return true
			}
			continue
		}
		if origin == a {
			return true
		}
	}
	return false
}
