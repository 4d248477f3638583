// Package security provides response hardening and CORS middleware for the API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// apiHeaders are set on every response. The API serves JSON and a websocket
// feed and never renders HTML.
var apiHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
	{"Cache-Control", "no-store"},
}

// HeadersMiddleware hardens responses. With hsts set it also pins HTTPS.
func HeadersMiddleware(hsts bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range apiHeaders {
			h.Set(kv[0], kv[1])
		}
		if hsts {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		c.Next()
	}
}

var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
	corsHeaders = strings.Join([]string{"Authorization", "Content-Type", "X-Request-ID", "X-User-ID"}, ", ")
	corsExpose  = strings.Join([]string{"X-Request-ID", "Retry-After"}, ", ")
)

// CORSMiddleware answers cross-origin requests from allowedOrigins. "*"
// admits any origin but never with credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	wildcard := allowed["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Expose-Headers", corsExpose)
			h.Set("Access-Control-Max-Age", "86400")
			if !wildcard {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
