// Package referral tracks who referred whom, scores referral signups for
// fraud and walks each referral through its reward state machine.
package referral

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("referral: not found")
	ErrCodeNotFound      = errors.New("referral: code not found")
	ErrCodeExists        = errors.New("referral: code already exists")
	ErrDuplicate         = errors.New("referral: referrer already referred this user")
	ErrSelfReferral      = errors.New("referral: users cannot refer themselves")
	ErrInvalidTransition = errors.New("referral: invalid status transition")
)

// Status is a referral's position in the reward state machine.
type Status string

const (
	StatusPending         Status = "pending"
	StatusEmailVerified   Status = "email_verified"
	StatusPaymentVerified Status = "payment_verified"
	StatusEarned          Status = "earned"
	StatusRedeemed        Status = "redeemed"
	StatusFraudulent      Status = "fraudulent"
)

var transitions = map[Status][]Status{
	StatusPending:         {StatusEmailVerified},
	StatusEmailVerified:   {StatusPaymentVerified, StatusEarned},
	StatusPaymentVerified: {StatusEarned},
	StatusEarned:          {StatusRedeemed},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRedeemed || s == StatusFraudulent
}

// CanTransition reports whether s may move to next. Fraudulent is reachable
// from every non-terminal status.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFraudulent {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Code is a shareable referral code owned by a user.
type Code struct {
	Code      string    `json:"code"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Referral is one referrer/referred pair.
type Referral struct {
	ID           string    `json:"id"`
	ReferrerID   string    `json:"referrerId"`
	ReferredID   string    `json:"referredId"`
	Code         string    `json:"code"`
	ContentID    string    `json:"contentId,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	Status       Status    `json:"status"`
	FraudScore   float64   `json:"fraudScore"`
	FraudReasons []string  `json:"fraudReasons"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
	PaymentID    string    `json:"paymentId,omitempty"`
	RewardMonths int       `json:"rewardMonths"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (r *Referral) clone() *Referral {
	cp := *r
	cp.FraudReasons = append([]string(nil), r.FraudReasons...)
	return &cp
}

// Store persists codes and referrals.
type Store interface {
	CreateCode(ctx context.Context, c *Code) error
	GetCode(ctx context.Context, code string) (*Code, error)

	// Create inserts r. A second referral for the same (referrer, referred)
	// pair returns ErrDuplicate.
	Create(ctx context.Context, r *Referral) error
	Get(ctx context.Context, id string) (*Referral, error)
	// Update loads the referral, applies fn and saves the result as one
	// atomic step. An error from fn aborts without writing.
	Update(ctx context.Context, id string, fn func(r *Referral) error) (*Referral, error)

	Exists(ctx context.Context, referrerID, referredID string) (bool, error)
	// ReferrersOf lists everyone who referred userID.
	ReferrersOf(ctx context.Context, userID string) ([]string, error)
	CountByReferrer(ctx context.Context, referrerID string, since time.Time) (int64, error)
	CountByReferrerIP(ctx context.Context, referrerID, ip string, since time.Time) (int64, error)
}
