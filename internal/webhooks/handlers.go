package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/viralloop/internal/content"
	"github.com/mbd888/viralloop/internal/metrics"
	"github.com/mbd888/viralloop/internal/referral"
	"github.com/mbd888/viralloop/internal/storage"
	"github.com/mbd888/viralloop/internal/validation"
)

// ReferralMetadataKey names the checkout metadata entry that carries the
// referral id.
const ReferralMetadataKey = "referral_id"

// Config holds the shared secrets. An empty secret disables its receiver.
type Config struct {
	PlatformSecret string
	StripeSecret   string
}

// Handler receives inbound webhooks.
type Handler struct {
	cfg      Config
	tracker  Tracker
	payments PaymentVerifier
	logger   *slog.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(cfg Config, tracker Tracker, payments PaymentVerifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, tracker: tracker, payments: payments, logger: logger}
}

// RegisterRoutes sets up the webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/platform", h.Platform)
	r.POST("/webhooks/stripe", h.Stripe)
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "Webhook body too large",
		})
		return nil, false
	}
	return body, true
}

func reject(c *gin.Context, source, result string, status int, msg string) {
	metrics.WebhooksReceivedTotal.WithLabelValues(source, result).Inc()
	c.JSON(status, gin.H{"error": result, "message": msg})
}

// Platform handles POST /v1/webhooks/platform. Business outcomes (duplicate,
// rate limited, fraud blocked) are acknowledged with 200 so the platform
// does not redeliver; only retryable failures get a 5xx.
func (h *Handler) Platform(c *gin.Context) {
	const source = "platform"
	if h.cfg.PlatformSecret == "" {
		reject(c, source, "disabled", http.StatusServiceUnavailable, "Platform webhooks are not configured")
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	sig := c.GetHeader(SignatureHeader)
	if !Verify(h.cfg.PlatformSecret, body, sig) {
		h.logger.Warn("platform webhook signature mismatch", "ip", c.ClientIP())
		reject(c, source, "invalid_signature", http.StatusUnauthorized, "Invalid signature")
		return
	}

	var ev PlatformEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		reject(c, source, "invalid_payload", http.StatusBadRequest, "Invalid webhook payload")
		return
	}
	if errs := validation.Validate(
		validation.Required("webhookId", ev.WebhookID),
		validation.Required("platform", ev.Platform),
	); len(errs) > 0 {
		metrics.WebhooksReceivedTotal.WithLabelValues(source, "invalid_payload").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	res, err := h.tracker.Track(c.Request.Context(), ev.Event(sig))
	if err != nil {
		h.trackError(c, source, err)
		return
	}
	metrics.WebhooksReceivedTotal.WithLabelValues(source, string(res.Outcome)).Inc()
	c.JSON(http.StatusOK, res)
}

func (h *Handler) trackError(c *gin.Context, source string, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		metrics.WebhooksReceivedTotal.WithLabelValues(source, "invalid_payload").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, content.ErrInstanceNotFound):
		reject(c, source, "unknown_content", http.StatusNotFound, "Content not found")
	case storage.IsPersistence(err):
		h.logger.Error("webhook not processed", "source", source, "error", err)
		reject(c, source, "error", http.StatusServiceUnavailable, "Temporarily unavailable")
	default:
		h.logger.Error("webhook not processed", "source", source, "error", err)
		reject(c, source, "error", http.StatusInternalServerError, "Failed to process webhook")
	}
}

// Stripe handles POST /v1/webhooks/stripe. Completed checkouts and
// succeeded payment intents carrying a referral id move that referral to
// payment_verified. Other event types are acknowledged and ignored.
func (h *Handler) Stripe(c *gin.Context) {
	const source = "stripe"
	if h.cfg.StripeSecret == "" || h.payments == nil {
		reject(c, source, "disabled", http.StatusServiceUnavailable, "Stripe webhooks are not configured")
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	event, err := webhook.ConstructEventWithOptions(body, c.GetHeader(StripeSignatureHeader), h.cfg.StripeSecret,
		webhook.ConstructEventOptions{Tolerance: webhook.DefaultTolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("stripe webhook verification failed", "error", err)
		reject(c, source, "invalid_signature", http.StatusUnauthorized, "Invalid signature")
		return
	}

	referralID, paymentID, err := paymentFromEvent(&event)
	if err != nil {
		reject(c, source, "invalid_payload", http.StatusBadRequest, "Invalid event payload")
		return
	}
	if referralID == "" {
		metrics.WebhooksReceivedTotal.WithLabelValues(source, "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	ref, err := h.payments.VerifyPayment(c.Request.Context(), referralID, paymentID)
	switch {
	case err == nil:
		metrics.WebhooksReceivedTotal.WithLabelValues(source, "accepted").Inc()
		h.logger.Info("referral payment verified", "referral_id", ref.ID, "payment_id", paymentID, "event_id", event.ID)
		c.JSON(http.StatusOK, gin.H{"received": true, "referral": ref})
	case errors.Is(err, referral.ErrNotFound), errors.Is(err, referral.ErrInvalidTransition):
		// Redeliveries and unknown referrals cannot succeed on retry.
		metrics.WebhooksReceivedTotal.WithLabelValues(source, "ignored").Inc()
		h.logger.Info("stripe payment not applied", "referral_id", referralID, "event_id", event.ID, "reason", err)
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true, "reason": err.Error()})
	default:
		h.trackError(c, source, err)
	}
}

// paymentFromEvent extracts the referral id and payment id from the event
// types that confirm a payment. Both are empty for other types.
func paymentFromEvent(event *stripe.Event) (referralID, paymentID string, err error) {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return "", "", err
		}
		referralID = sess.Metadata[ReferralMetadataKey]
		if referralID == "" {
			referralID = sess.ClientReferenceID
		}
		paymentID = sess.ID
		if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
			paymentID = sess.PaymentIntent.ID
		}
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return "", "", err
		}
		referralID = pi.Metadata[ReferralMetadataKey]
		paymentID = pi.ID
	}
	return referralID, paymentID, nil
}
