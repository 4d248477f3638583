package viral

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/bandit"
	"github.com/mbd888/viralloop/internal/content"
	"github.com/mbd888/viralloop/internal/storage"
	"github.com/mbd888/viralloop/internal/validation"
)

// Handler provides HTTP handlers for suggestions and variants.
type Handler struct {
	engine     *Engine
	windowDays int
}

// NewHandler creates a new viral handler.
func NewHandler(engine *Engine, windowDays int) *Handler {
	return &Handler{engine: engine, windowDays: windowDays}
}

// RegisterRoutes sets up the suggestion and variant routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/suggestions", h.Suggest)
	r.GET("/variants", h.ListVariants)
	r.POST("/variants", h.CreateVariant)

	byID := r.Group("/variants/:id", validation.IDParamMiddleware("id"))
	byID.GET("/stats", h.Stats)
	byID.POST("/attempts", h.RecordAttempt)
	byID.POST("/instances", h.Generate)
	byID.POST("/performance", h.UpdatePerformance)
}

// SuggestRequest is the body of POST /v1/suggestions.
type SuggestRequest struct {
	Context *bandit.Context `json:"context"`
}

// Suggest handles POST /v1/suggestions
func (h *Handler) Suggest(c *gin.Context) {
	var req SuggestRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	if req.Context != nil {
		if errs := validation.Validate(
			validation.InRange("context.hour", req.Context.Hour, 0, 23),
			validation.InRange("context.dayOfWeek", req.Context.DayOfWeek, 0, 6),
			validation.MaxLength("context.userTier", req.Context.UserTier, 64),
		); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}
	}

	s, err := h.engine.GetSuggestion(c.Request.Context(), req.Context)
	if err != nil {
		writeError(c, err, "Failed to compute suggestion")
		return
	}
	c.JSON(http.StatusOK, s)
}

// ListVariants handles GET /v1/variants
func (h *Handler) ListVariants(c *gin.Context) {
	ranked, err := h.engine.RankVariants(c.Request.Context(), h.engine.now(), h.window(c))
	if err != nil {
		writeError(c, err, "Failed to list variants")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"variants": ranked,
		"count":    len(ranked),
	})
}

// CreateVariant handles POST /v1/variants
func (h *Handler) CreateVariant(c *gin.Context) {
	var req CreateVariantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.OptionalID("id", req.ID),
		validation.Required("contentType", req.ContentType),
		validation.MaxLength("contentType", req.ContentType, 64),
		validation.InRange("template.roastLevel", req.Template.RoastLevel, 0, 10),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	v, err := h.engine.CreateVariant(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, "Failed to create variant")
		return
	}
	c.JSON(http.StatusCreated, v)
}

// Stats handles GET /v1/variants/:id/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.engine.VariantStats(c.Request.Context(), c.Param("id"), h.window(c))
	if err != nil {
		writeError(c, err, "Failed to load variant stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RecordAttempt handles POST /v1/variants/:id/attempts
func (h *Handler) RecordAttempt(c *gin.Context) {
	v, err := h.engine.RecordAttempt(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "Failed to record attempt")
		return
	}
	c.JSON(http.StatusOK, v)
}

// Generate handles POST /v1/variants/:id/instances
func (h *Handler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.OptionalID("instanceId", req.InstanceID),
		validation.ValidID("userId", req.UserID),
		validation.InRange("context.hour", req.Context.Hour, 0, 23),
		validation.InRange("context.dayOfWeek", req.Context.DayOfWeek, 0, 6),
		validation.MaxLength("context.userTier", req.Context.UserTier, 64),
		validation.MaxLength("context.platform", req.Context.Platform, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	gen, err := h.engine.Generate(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err, "Failed to create instance")
		return
	}
	c.JSON(http.StatusCreated, gen)
}

// PerformanceRequest is the body of POST /v1/variants/:id/performance.
type PerformanceRequest struct {
	Metrics map[audit.Metric]int64 `json:"metrics" binding:"required"`
}

// UpdatePerformance handles POST /v1/variants/:id/performance
func (h *Handler) UpdatePerformance(c *gin.Context) {
	var req PerformanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	var checks []func() *validation.ValidationError
	for m, n := range req.Metrics {
		checks = append(checks,
			validation.ValidMetric("metrics", m),
			validation.NonNegative("metrics."+string(m), n),
		)
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	v, err := h.engine.UpdateVariantPerformance(c.Request.Context(), c.Param("id"), req.Metrics)
	if err != nil {
		writeError(c, err, "Failed to update performance")
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) window(c *gin.Context) int {
	if s := c.Query("windowDays"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 365 {
			return n
		}
	}
	return h.windowDays
}

func writeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, content.ErrVariantNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Variant not found",
		})
	case errors.Is(err, content.ErrVariantExists), errors.Is(err, content.ErrInstanceExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_exists",
			"message": err.Error(),
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
