package engagement

import (
	"fmt"
	"time"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/validation"
)

// Evidence is the proof attached to an event. Each verification status has
// exactly one evidence type carrying the fields that status requires.
type Evidence interface {
	Status() audit.Status
	// IdempotencyKey is the replay-detection key, empty when the evidence
	// has none.
	IdempotencyKey() string
	validate() validation.ValidationErrors
}

// PlatformEvidence comes from a social platform webhook.
type PlatformEvidence struct {
	PlatformID string `json:"platformId"`
	WebhookID  string `json:"webhookId"`
	Signature  string `json:"signature,omitempty"`
}

func (PlatformEvidence) Status() audit.Status { return audit.StatusPlatformVerified }
func (e PlatformEvidence) IdempotencyKey() string { return e.WebhookID }
func (e PlatformEvidence) validate() validation.ValidationErrors {
	return validation.Validate(
		validation.Required("metadata.platformId", e.PlatformID),
		validation.Required("metadata.webhookId", e.WebhookID),
		validation.MaxLength("metadata.webhookId", e.WebhookID, validation.MaxIDLength),
	)
}

// PaymentEvidence comes from a payment processor event.
type PaymentEvidence struct {
	PaymentID string `json:"paymentId"`
	WebhookID string `json:"webhookId"`
}

func (PaymentEvidence) Status() audit.Status { return audit.StatusPaymentVerified }
func (e PaymentEvidence) IdempotencyKey() string { return e.WebhookID }
func (e PaymentEvidence) validate() validation.ValidationErrors {
	return validation.Validate(
		validation.Required("metadata.paymentId", e.PaymentID),
		validation.Required("metadata.webhookId", e.WebhookID),
		validation.MaxLength("metadata.webhookId", e.WebhookID, validation.MaxIDLength),
	)
}

// ReferralEvidence ties a signup to a referral record.
type ReferralEvidence struct {
	ReferralCode string `json:"referralCode"`
	ReferralID   string `json:"referralId,omitempty"`
}

func (ReferralEvidence) Status() audit.Status { return audit.StatusReferralVerified }

// IdempotencyKey is derived from the referral so one referral counts once.
func (e ReferralEvidence) IdempotencyKey() string {
	if e.ReferralID == "" {
		return ""
	}
	return "referral:" + e.ReferralID
}

func (e ReferralEvidence) validate() validation.ValidationErrors {
	return validation.Validate(
		validation.Required("metadata.referralCode", e.ReferralCode),
		validation.OptionalID("metadata.referralId", e.ReferralID),
	)
}

// EmailEvidence is a confirmed email address.
type EmailEvidence struct {
	VerificationID string `json:"verificationId"`
}

func (EmailEvidence) Status() audit.Status { return audit.StatusEmailVerified }
func (e EmailEvidence) IdempotencyKey() string {
	if e.VerificationID == "" {
		return ""
	}
	return "email:" + e.VerificationID
}
func (e EmailEvidence) validate() validation.ValidationErrors {
	return validation.Validate(validation.Required("metadata.verificationId", e.VerificationID))
}

// InferredEvidence is a server-side inference such as an analytics signal.
type InferredEvidence struct {
	Signal string `json:"signal,omitempty"`
}

func (InferredEvidence) Status() audit.Status { return audit.StatusInferred }
func (InferredEvidence) IdempotencyKey() string { return "" }
func (InferredEvidence) validate() validation.ValidationErrors { return nil }

// ClaimEvidence is the client's unverified word.
type ClaimEvidence struct{}

func (ClaimEvidence) Status() audit.Status { return audit.StatusUserClaimed }
func (ClaimEvidence) IdempotencyKey() string { return "" }
func (ClaimEvidence) validate() validation.ValidationErrors { return nil }

// PendingEvidence marks an event awaiting verification.
type PendingEvidence struct{}

func (PendingEvidence) Status() audit.Status { return audit.StatusPending }
func (PendingEvidence) IdempotencyKey() string { return "" }
func (PendingEvidence) validate() validation.ValidationErrors { return nil }

// ClientInfo is what the transport knows about the caller.
type ClientInfo struct {
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Verification is the trust context of one event.
type Verification struct {
	Source   string
	Evidence Evidence
	Client   ClientInfo
	// ReferrerID and AccountCreatedAt feed the signup fraud checks.
	ReferrerID       string
	AccountCreatedAt time.Time
}

// Status is the evidence's verification status.
func (v Verification) Status() audit.Status {
	if v.Evidence == nil {
		return audit.StatusPending
	}
	return v.Evidence.Status()
}

// IdempotencyKey is the evidence's replay key.
func (v Verification) IdempotencyKey() string {
	if v.Evidence == nil {
		return ""
	}
	return v.Evidence.IdempotencyKey()
}

func (v Verification) source() string {
	if v.Source != "" {
		return v.Source
	}
	return string(v.Status())
}

// WireMetadata is the flat metadata object accepted over HTTP.
type WireMetadata struct {
	PlatformID     string    `json:"platformId,omitempty"`
	WebhookID      string    `json:"webhookId,omitempty"`
	Signature      string    `json:"signature,omitempty"`
	PaymentID      string    `json:"paymentId,omitempty"`
	ReferralCode   string    `json:"referralCode,omitempty"`
	ReferralID     string    `json:"referralId,omitempty"`
	VerificationID string    `json:"verificationId,omitempty"`
	Signal         string    `json:"signal,omitempty"`
	IPAddress      string    `json:"ipAddress,omitempty"`
	UserAgent      string    `json:"userAgent,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitzero"`
}

// WireVerification is the verification object accepted over HTTP.
type WireVerification struct {
	Status   audit.Status `json:"status"`
	Source   string       `json:"source"`
	Metadata WireMetadata `json:"metadata"`
}

// Decode converts the flat wire form into a tagged Verification, checking
// that the fields the status requires are present.
func (w WireVerification) Decode() (Verification, error) {
	md := w.Metadata
	var ev Evidence
	switch w.Status {
	case audit.StatusPlatformVerified:
		ev = PlatformEvidence{PlatformID: md.PlatformID, WebhookID: md.WebhookID, Signature: md.Signature}
	case audit.StatusPaymentVerified:
		ev = PaymentEvidence{PaymentID: md.PaymentID, WebhookID: md.WebhookID}
	case audit.StatusReferralVerified:
		ev = ReferralEvidence{ReferralCode: md.ReferralCode, ReferralID: md.ReferralID}
	case audit.StatusEmailVerified:
		ev = EmailEvidence{VerificationID: md.VerificationID}
	case audit.StatusInferred:
		ev = InferredEvidence{Signal: md.Signal}
	case audit.StatusUserClaimed:
		ev = ClaimEvidence{}
	case audit.StatusPending, "":
		ev = PendingEvidence{}
	default:
		return Verification{}, validation.ValidationErrors{{
			Field:   "verification.status",
			Message: fmt.Sprintf("unknown verification status %q", w.Status),
		}}
	}
	if errs := ev.validate(); len(errs) > 0 {
		return Verification{}, errs
	}
	return Verification{
		Source:   validation.SanitizeString(w.Source, 64),
		Evidence: ev,
		Client: ClientInfo{
			IPAddress: md.IPAddress,
			UserAgent: validation.SanitizeString(md.UserAgent, 512),
			Timestamp: md.Timestamp,
		},
	}, nil
}
