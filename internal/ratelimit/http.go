package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// HTTPConfig configures the ingress limiter.
type HTTPConfig struct {
	// RequestsPerMinute is the sustained rate per client.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the sustained rate.
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten.
	CleanupInterval time.Duration
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		RequestsPerMinute: 600,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// HTTPLimiter keeps one token bucket per client key.
type HTTPLimiter struct {
	cfg     HTTPConfig
	mu      sync.Mutex
	clients map[string]*client
	stop    chan struct{}
	once    sync.Once
}

// NewHTTPLimiter creates the limiter and starts its cleanup goroutine.
// Call Stop when done.
func NewHTTPLimiter(cfg HTTPConfig) *HTTPLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultHTTPConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &HTTPLimiter{
		cfg:     cfg,
		clients: make(map[string]*client),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *HTTPLimiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * l.cfg.CleanupInterval)
			l.mu.Lock()
			for key, c := range l.clients {
				if c.lastSeen.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *HTTPLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes one token from key's bucket.
func (l *HTTPLimiter) Allow(key string) bool {
	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		perSecond := rate.Limit(float64(l.cfg.RequestsPerMinute) / 60.0)
		c = &client{limiter: rate.NewLimiter(perSecond, l.cfg.BurstSize)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()

	return c.limiter.Allow()
}

// Middleware limits by the X-User-ID header when present, else client IP.
func (l *HTTPLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if uid := c.GetHeader("X-User-ID"); uid != "" {
			key = "user:" + uid[:min(64, len(uid))]
		}

		if !l.Allow(key) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}
