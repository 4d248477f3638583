package referral

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/viralloop/internal/storage"
	"github.com/mbd888/viralloop/internal/validation"
)

// Handler provides HTTP handlers for referral codes, referrals and links.
type Handler struct {
	service *Service
	signer  *Signer
}

// NewHandler creates a new referral handler.
func NewHandler(service *Service, signer *Signer) *Handler {
	return &Handler{service: service, signer: signer}
}

// RegisterRoutes sets up the referral routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/referral-codes", h.CreateCode)
	r.POST("/referrals", h.CreateReferral)
	r.POST("/referral-links", h.CreateLink)
	r.GET("/referral-links/verify", h.VerifyLink)

	byID := r.Group("/referrals/:id", validation.IDParamMiddleware("id"))
	byID.GET("", h.Get)
	byID.POST("/verify-email", h.VerifyEmail)
	byID.POST("/verify-payment", h.VerifyPayment)
	byID.POST("/earn", h.MarkEarned)
	byID.POST("/redeem", h.Redeem)
	byID.POST("/fraudulent", h.MarkFraudulent)
}

type createCodeRequest struct {
	UserID string `json:"userId"`
}

// CreateCode handles POST /v1/referral-codes
func (h *Handler) CreateCode(c *gin.Context) {
	var req createCodeRequest
	if !bind(c, &req) {
		return
	}
	code, err := h.service.CreateCode(c.Request.Context(), req.UserID)
	if err != nil {
		writeError(c, err, "Failed to create referral code")
		return
	}
	c.JSON(http.StatusCreated, code)
}

// CreateReferral handles POST /v1/referrals. A signup scored as fraud is
// stored as fraudulent and answered with 403.
func (h *Handler) CreateReferral(c *gin.Context) {
	var req CreateRequest
	if !bind(c, &req) {
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}
	if req.UserAgent == "" {
		req.UserAgent = validation.SanitizeString(c.Request.UserAgent(), 512)
	}

	ref, assessment, err := h.service.CreateReferral(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, "Failed to create referral")
		return
	}
	status := http.StatusCreated
	if assessment.ShouldBlock {
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{
		"referral":   ref,
		"fraudScore": assessment,
	})
}

// Get handles GET /v1/referrals/:id
func (h *Handler) Get(c *gin.Context) {
	ref, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "Failed to get referral")
		return
	}
	c.JSON(http.StatusOK, ref)
}

// VerifyEmail handles POST /v1/referrals/:id/verify-email
func (h *Handler) VerifyEmail(c *gin.Context) {
	h.respond(c)(h.service.VerifyEmail(c.Request.Context(), c.Param("id")))
}

type verifyPaymentRequest struct {
	PaymentID string `json:"paymentId"`
}

// VerifyPayment handles POST /v1/referrals/:id/verify-payment
func (h *Handler) VerifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if !bind(c, &req) {
		return
	}
	if errs := validation.Validate(validation.ValidID("paymentId", req.PaymentID)); len(errs) > 0 {
		writeError(c, errs, "")
		return
	}
	h.respond(c)(h.service.VerifyPayment(c.Request.Context(), c.Param("id"), req.PaymentID))
}

// MarkEarned handles POST /v1/referrals/:id/earn
func (h *Handler) MarkEarned(c *gin.Context) {
	h.respond(c)(h.service.MarkEarned(c.Request.Context(), c.Param("id")))
}

// Redeem handles POST /v1/referrals/:id/redeem
func (h *Handler) Redeem(c *gin.Context) {
	h.respond(c)(h.service.Redeem(c.Request.Context(), c.Param("id")))
}

type markFraudulentRequest struct {
	Reason string `json:"reason"`
}

// MarkFraudulent handles POST /v1/referrals/:id/fraudulent
func (h *Handler) MarkFraudulent(c *gin.Context) {
	var req markFraudulentRequest
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	h.respond(c)(h.service.MarkFraudulent(c.Request.Context(), c.Param("id"), reason))
}

type createLinkRequest struct {
	Code      string `json:"code"`
	ContentID string `json:"contentId"`
	Platform  string `json:"platform"`
}

// CreateLink handles POST /v1/referral-links
func (h *Handler) CreateLink(c *gin.Context) {
	var req createLinkRequest
	if !bind(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.Required("code", req.Code),
		validation.OptionalID("contentId", req.ContentID),
		validation.MaxLength("platform", req.Platform, 64),
	); len(errs) > 0 {
		writeError(c, errs, "")
		return
	}

	link, payload, err := h.signer.Link(c.Request.Context(), req.Code, req.ContentID, req.Platform)
	if err != nil {
		writeError(c, err, "Failed to sign referral link")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"url":     link,
		"payload": payload,
	})
}

// VerifyLink handles GET /v1/referral-links/verify?ref=&sig=&ct=&pl=&ts=
func (h *Handler) VerifyLink(c *gin.Context) {
	payload, err := h.signer.Verify(c.Request.Context(), c.Request.URL.Query())
	if err != nil {
		writeError(c, err, "Failed to verify referral link")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":   true,
		"payload": payload,
	})
}

func (h *Handler) respond(c *gin.Context) func(*Referral, error) {
	return func(ref *Referral, err error) {
		if err != nil {
			writeError(c, err, "Failed to update referral")
			return
		}
		c.JSON(http.StatusOK, ref)
	}
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
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
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCodeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrSelfReferral), errors.Is(err, ErrMalformedLink):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrCodeExists), errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrLinkExpired):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "invalid_link",
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
