package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/viralloop/internal/idgen"
	"github.com/mbd888/viralloop/internal/logging"
	"github.com/mbd888/viralloop/internal/metrics"
	"github.com/mbd888/viralloop/internal/ratelimit"
	"github.com/mbd888/viralloop/internal/security"
	"github.com/mbd888/viralloop/internal/validation"
)

const requestIDHeader = "X-Request-ID"

// setupMiddleware installs the chain outermost first: recovery, response
// hardening, CORS, body limit, ingress rate limit, metrics, request context,
// access log.
func (s *Server) setupMiddleware() {
	prod := s.cfg.IsProduction()

	origins := []string{"*"}
	if prod {
		origins = []string{"https://" + s.cfg.ReferralLinkHost}
	}

	httpCfg := ratelimit.DefaultHTTPConfig()
	httpCfg.RequestsPerMinute = s.cfg.HTTPRateLimitRPM
	s.httpLimiter = ratelimit.NewHTTPLimiter(httpCfg)

	s.router.Use(
		gin.CustomRecovery(s.recovered),
		security.HeadersMiddleware(prod),
		security.CORSMiddleware(origins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		s.httpLimiter.Middleware(),
		metrics.Middleware(),
		s.requestContext(),
		accessLog(),
	)
}

func (s *Server) recovered(c *gin.Context, v any) {
	s.logger.Error("panic in handler", "panic", v, "method", c.Request.Method, "path", c.Request.URL.Path)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// requestContext attaches the logger and a request id to the request
// context. A caller-supplied id is kept unless it is oversized.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > validation.MaxIDLength {
			id = idgen.Hex(16)
		}
		ctx := logging.WithLogger(c.Request.Context(), s.logger)
		ctx = logging.WithRequestID(ctx, id)
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// accessLog logs 5xx at Error, 4xx at Warn and everything else at Debug.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		logging.L(c.Request.Context()).Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
