package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/viralloop/internal/engagement"
	"github.com/mbd888/viralloop/internal/health"
	"github.com/mbd888/viralloop/internal/metrics"
	"github.com/mbd888/viralloop/internal/referral"
	"github.com/mbd888/viralloop/internal/storage"
	"github.com/mbd888/viralloop/internal/viral"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) { s.hub.HandleWebSocket(c.Writer, c.Request) })

	v1 := s.router.Group("/v1")
	engagement.NewHandler(s.tracker).RegisterRoutes(v1)
	viral.NewHandler(s.viral, s.cfg.BanditWindowDays).RegisterRoutes(v1)
	referral.NewHandler(s.referralSvc, s.signer).RegisterRoutes(v1)
	s.webhooks.RegisterRoutes(v1)

	v1.GET("/reconciliation", s.lastReconciliation)
	v1.POST("/reconciliation/run", s.runReconciliation)
	v1.GET("/realtime/stats", func(c *gin.Context) { c.JSON(http.StatusOK, s.hub.Stats()) })
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	healthy, checks := s.checks.CheckAll(ctx)

	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Storage:   "memory",
		Checks:    checks,
		Timestamp: time.Now().UTC(),
	}
	if s.db != nil {
		resp.Storage = "postgres"
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// livenessHandler answers 200 for as long as the process serves requests,
// including during drain.
func (s *Server) livenessHandler(c *gin.Context) {
	status := "alive"
	if s.stopping.Load() {
		status = "stopping"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// lastReconciliation handles GET /v1/reconciliation
func (s *Server) lastReconciliation(c *gin.Context) {
	report := s.reconciler.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No reconciliation has run yet",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

// runReconciliation handles POST /v1/reconciliation/run
func (s *Server) runReconciliation(c *gin.Context) {
	report, err := s.reconciler.RunAll(c.Request.Context())
	if err != nil {
		code := http.StatusInternalServerError
		if storage.IsPersistence(err) {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, report)
}
