package engagement

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/content"
	"github.com/mbd888/viralloop/internal/pagination"
	"github.com/mbd888/viralloop/internal/storage"
	"github.com/mbd888/viralloop/internal/validation"
)

// Handler provides HTTP handlers for engagement tracking.
type Handler struct {
	tracker *Tracker
}

// NewHandler creates a new engagement handler.
func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

// RegisterRoutes sets up the engagement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/engagement", h.Track)

	byID := r.Group("/content/:id", validation.IDParamMiddleware("id"))
	byID.GET("/verified-metrics", h.VerifiedMetrics)
	byID.GET("/reconcile", h.Reconcile)
	byID.GET("/audit-log", h.AuditLog)
}

// TrackRequest is the body of POST /v1/engagement.
type TrackRequest struct {
	ContentID        string           `json:"contentId"`
	UserID           string           `json:"userId"`
	MetricType       audit.Metric     `json:"metricType"`
	Delta            int64            `json:"delta"`
	Verification     WireVerification `json:"verification"`
	ReferrerID       string           `json:"referrerId,omitempty"`
	AccountCreatedAt time.Time        `json:"accountCreatedAt,omitzero"`
}

// Track handles POST /v1/engagement
func (h *Handler) Track(c *gin.Context) {
	var req TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	v, err := req.Verification.Decode()
	if err != nil {
		writeError(c, err, "Invalid verification")
		return
	}
	if v.Client.IPAddress == "" {
		v.Client.IPAddress = c.ClientIP()
	}
	if v.Client.UserAgent == "" {
		v.Client.UserAgent = validation.SanitizeString(c.Request.UserAgent(), 512)
	}
	v.ReferrerID = req.ReferrerID
	v.AccountCreatedAt = req.AccountCreatedAt

	res, err := h.tracker.Track(c.Request.Context(), Event{
		ContentID:    req.ContentID,
		UserID:       req.UserID,
		Metric:       req.MetricType,
		Delta:        req.Delta,
		Verification: v,
	})
	if err != nil {
		writeError(c, err, "Failed to track engagement")
		return
	}

	switch res.Outcome {
	case OutcomeRateLimited:
		c.JSON(http.StatusTooManyRequests, res)
	case OutcomeFraudBlocked:
		c.JSON(http.StatusForbidden, res)
	default:
		c.JSON(http.StatusOK, res)
	}
}

// VerifiedMetrics handles GET /v1/content/:id/verified-metrics
func (h *Handler) VerifiedMetrics(c *gin.Context) {
	id := c.Param("id")
	totals, err := h.tracker.GetVerifiedMetrics(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "Failed to replay ledger")
		return
	}

	summary := make(map[audit.Metric]int64, len(totals))
	for m := range totals {
		summary[m] = totals.Total(m)
	}
	c.JSON(http.StatusOK, gin.H{
		"contentId": id,
		"byStatus":  totals,
		"totals":    summary,
	})
}

// Reconcile handles GET /v1/content/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	rec, err := h.tracker.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "Failed to reconcile")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// AuditLog handles GET /v1/content/:id/audit-log
func (h *Handler) AuditLog(c *gin.Context) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}
	page, err := h.tracker.AuditLog(c.Request.Context(), c.Param("id"), after, pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		writeError(c, err, "Failed to read audit log")
		return
	}
	if page.Items == nil {
		page.Items = []*audit.Entry{}
	}
	c.JSON(http.StatusOK, page)
}

func writeError(c *gin.Context, err error, msg string) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, content.ErrInstanceNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Content not found",
		})
	case storage.IsPersistence(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "persistence_error",
			"message": msg,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": msg,
		})
	}
}
