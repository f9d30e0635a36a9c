// Package security hardens the marketplace's HTTP surface: response
// headers, CORS, and webhook endpoint vetting.
package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// marketCSP permits the inline script and styles of the market page
// and its websocket feed, and nothing cross-origin beyond fonts.
const marketCSP = "default-src 'self'; " +
	"script-src 'self' 'unsafe-inline'; " +
	"style-src 'self' 'unsafe-inline' https://fonts.googleapis.com; " +
	"font-src 'self' https://fonts.gstatic.com; " +
	"img-src 'self' data:; " +
	"connect-src 'self' ws: wss:; " +
	"frame-ancestors 'none'"

// HeadersMiddleware stamps hardening headers on every response.
func HeadersMiddleware() gin.HandlerFunc {
	static := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
		"Content-Security-Policy": marketCSP,
		"Permissions-Policy":      "geolocation=(), microphone=(), camera=()",
	}
	return func(c *gin.Context) {
		for name, value := range static {
			c.Header(name, value)
		}
		c.Next()
	}
}

// CORSMiddleware answers cross-origin requests for the allowed origins
// and short-circuits preflights. An empty allowlist admits everyone.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	wildcard := allowed["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if len(allowedOrigins) == 0 || wildcard || allowed[origin] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
			// Browsers reject Allow-Credentials combined with a
			// wildcard origin.
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
