// Package webhooks receives signed callbacks from social platforms and the
// payment processor and turns them into verified engagement events and
// referral transitions.
package webhooks

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/engagement"
	"github.com/mbd888/viralloop/internal/referral"
	"github.com/mbd888/viralloop/internal/validation"
)

const (
	// SignatureHeader carries hex(SHA256(secret + body)) on platform webhooks.
	SignatureHeader = "X-Platform-Signature"
	// StripeSignatureHeader is set by Stripe on every delivery.
	StripeSignatureHeader = "Stripe-Signature"

	maxBodyBytes = 64 * 1024
)

// Sign returns hex(SHA256(secret + payload)).
func Sign(secret string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload. The comparison is
// constant time; an optional "sha256=" prefix is accepted.
func Verify(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	expected := Sign(secret, payload)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(signature)), []byte(expected)) == 1
}

// PlatformEvent is the body of a social platform engagement callback.
type PlatformEvent struct {
	WebhookID  string       `json:"webhookId"`
	Platform   string       `json:"platform"`
	ContentID  string       `json:"contentId"`
	UserID     string       `json:"userId"`
	MetricType audit.Metric `json:"metricType"`
	Delta      int64        `json:"delta"`
	IPAddress  string       `json:"ipAddress,omitempty"`
	UserAgent  string       `json:"userAgent,omitempty"`
	ReferrerID string       `json:"referrerId,omitempty"`
	Timestamp  time.Time    `json:"timestamp,omitzero"`
}

// Event converts the callback into a platform-verified engagement event.
// The webhook id is the idempotency key, so redeliveries are no-ops.
func (p PlatformEvent) Event(signature string) engagement.Event {
	return engagement.Event{
		ContentID: p.ContentID,
		UserID:    p.UserID,
		Metric:    p.MetricType,
		Delta:     p.Delta,
		Verification: engagement.Verification{
			Source: p.Platform,
			Evidence: engagement.PlatformEvidence{
				PlatformID: p.Platform,
				WebhookID:  p.WebhookID,
				Signature:  signature,
			},
			Client: engagement.ClientInfo{
				IPAddress: p.IPAddress,
				UserAgent: validation.SanitizeString(p.UserAgent, 512),
				Timestamp: p.Timestamp,
			},
			ReferrerID: p.ReferrerID,
		},
	}
}

// Tracker records engagement events.
type Tracker interface {
	Track(ctx context.Context, ev engagement.Event) (*engagement.Result, error)
}

// PaymentVerifier advances a referral once its payment clears.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, referralID, paymentID string) (*referral.Referral, error)
}
