package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/engagement"
	"github.com/mbd888/viralloop/internal/idgen"
	"github.com/mbd888/viralloop/internal/metrics"
	"github.com/mbd888/viralloop/internal/realtime"
	"github.com/mbd888/viralloop/internal/traces"
	"github.com/mbd888/viralloop/internal/validation"
)

const (
	codeLength          = 8
	codeAttempts        = 5
	DefaultRewardMonths = 1
)

// EngagementTracker records the signup a verified referral produces.
type EngagementTracker interface {
	Track(ctx context.Context, ev engagement.Event) (*engagement.Result, error)
}

// Publisher receives referral transitions.
type Publisher interface {
	Publish(t realtime.EventType, data map[string]any)
}

// Service creates referrals and drives their state machine.
type Service struct {
	store        Store
	detector     *Detector
	tracker      EngagementTracker
	publisher    Publisher
	rewardMonths int
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a referral service.
func NewService(store Store, detector *Detector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        store,
		detector:     detector,
		rewardMonths: DefaultRewardMonths,
		logger:       logger,
		now:          time.Now,
	}
}

// WithTracker bridges verified emails into the engagement ledger.
func (s *Service) WithTracker(t EngagementTracker) *Service {
	s.tracker = t
	return s
}

func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithRewardMonths sets the reward granted when a referral is earned.
func (s *Service) WithRewardMonths(n int) *Service {
	if n > 0 {
		s.rewardMonths = n
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateCode issues a new referral code for userID.
func (s *Service) CreateCode(ctx context.Context, userID string) (*Code, error) {
	if err := validation.Validate(validation.ValidID("userId", userID)).Err(); err != nil {
		return nil, err
	}
	for range codeAttempts {
		c := &Code{Code: idgen.ReferralCode(codeLength), UserID: userID, CreatedAt: s.now()}
		err := s.store.CreateCode(ctx, c)
		if errors.Is(err, ErrCodeExists) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, ErrCodeExists
}

// CreateRequest describes a signup that arrived through a referral code.
type CreateRequest struct {
	Code              string    `json:"code"`
	ReferredID        string    `json:"referredId"`
	ContentID         string    `json:"contentId,omitempty"`
	Platform          string    `json:"platform,omitempty"`
	IPAddress         string    `json:"ipAddress,omitempty"`
	UserAgent         string    `json:"userAgent,omitempty"`
	ReferrerCreatedAt time.Time `json:"referrerCreatedAt,omitzero"`
}

func (r CreateRequest) validate() error {
	return validation.Validate(
		validation.Required("code", r.Code),
		validation.ValidID("referredId", r.ReferredID),
		validation.OptionalID("contentId", r.ContentID),
		validation.MaxLength("platform", r.Platform, validation.MaxIDLength),
		validation.MaxLength("userAgent", r.UserAgent, validation.MaxStringLength),
	).Err()
}

// CreateReferral records a referral and its fraud assessment. A blocked
// signup is still stored, directly in the fraudulent state, so the pair
// cannot be retried.
func (s *Service) CreateReferral(ctx context.Context, req CreateRequest) (*Referral, *Assessment, error) {
	ctx, span := traces.StartSpan(ctx, "referral.Create", traces.ContentID(req.ContentID))
	defer span.End()

	ref, assessment, err := s.create(ctx, req)
	if err != nil {
		traces.Fail(span, err)
		return nil, nil, err
	}
	span.SetAttributes(traces.ReferralID(ref.ID), traces.FraudScore(assessment.Score))
	metrics.ReferralTransitionsTotal.WithLabelValues(string(ref.Status)).Inc()
	s.publish(ref, "")
	return ref, assessment, nil
}

func (s *Service) create(ctx context.Context, req CreateRequest) (*Referral, *Assessment, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}
	code, err := s.store.GetCode(ctx, req.Code)
	if err != nil {
		return nil, nil, err
	}
	if code.UserID == req.ReferredID {
		return nil, nil, ErrSelfReferral
	}
	exists, err := s.store.Exists(ctx, code.UserID, req.ReferredID)
	if err != nil {
		return nil, nil, err
	}
	if exists {
		return nil, nil, ErrDuplicate
	}

	referrerCreated := req.ReferrerCreatedAt
	if referrerCreated.IsZero() {
		referrerCreated = code.CreatedAt
	}
	assessment, err := s.detector.Assess(ctx, Signup{
		ReferrerID:        code.UserID,
		ReferredID:        req.ReferredID,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		ReferrerCreatedAt: referrerCreated,
	})
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	ref := &Referral{
		ID:           idgen.WithPrefix("ref_"),
		ReferrerID:   code.UserID,
		ReferredID:   req.ReferredID,
		Code:         code.Code,
		ContentID:    req.ContentID,
		Platform:     req.Platform,
		Status:       StatusPending,
		FraudScore:   assessment.Score,
		FraudReasons: assessment.Reasons,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if assessment.ShouldBlock {
		ref.Status = StatusFraudulent
		s.logger.Warn("referral blocked as fraud",
			"referrer_id", ref.ReferrerID, "referred_id", ref.ReferredID,
			"score", assessment.Score, "reasons", assessment.Reasons)
	}
	if err := s.store.Create(ctx, ref); err != nil {
		return nil, nil, err
	}
	s.logger.Info("referral created", "referral_id", ref.ID, "status", ref.Status, "score", assessment.Score)
	return ref, assessment, nil
}

// Get returns a referral by id.
func (s *Service) Get(ctx context.Context, id string) (*Referral, error) {
	return s.store.Get(ctx, id)
}

// VerifyEmail moves a pending referral to email_verified and, when the
// referral came from a content instance, records a referral-verified signup
// on it. A failure to record the signup does not undo the transition.
func (s *Service) VerifyEmail(ctx context.Context, id string) (*Referral, error) {
	ref, err := s.transition(ctx, id, StatusEmailVerified, nil)
	if err != nil {
		return nil, err
	}
	s.recordSignup(ctx, ref)
	return ref, nil
}

// VerifyPayment moves an email-verified referral to payment_verified.
func (s *Service) VerifyPayment(ctx context.Context, id, paymentID string) (*Referral, error) {
	return s.transition(ctx, id, StatusPaymentVerified, func(r *Referral) {
		r.PaymentID = paymentID
	})
}

// MarkEarned grants the reward.
func (s *Service) MarkEarned(ctx context.Context, id string) (*Referral, error) {
	months := s.rewardMonths
	return s.transition(ctx, id, StatusEarned, func(r *Referral) {
		r.RewardMonths = months
	})
}

// Redeem marks an earned reward as used.
func (s *Service) Redeem(ctx context.Context, id string) (*Referral, error) {
	return s.transition(ctx, id, StatusRedeemed, nil)
}

// MarkFraudulent terminates a referral. An earned reward is revoked.
func (s *Service) MarkFraudulent(ctx context.Context, id, reason string) (*Referral, error) {
	return s.transition(ctx, id, StatusFraudulent, func(r *Referral) {
		r.RewardMonths = 0
		r.FraudScore = 1
		if reason != "" {
			r.FraudReasons = append(r.FraudReasons, reason)
		}
	})
}

func (s *Service) transition(ctx context.Context, id string, next Status, mutate func(r *Referral)) (*Referral, error) {
	ctx, span := traces.StartSpan(ctx, "referral.Transition", traces.ReferralID(id))
	defer span.End()

	var from Status
	ref, err := s.store.Update(ctx, id, func(r *Referral) error {
		if !r.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.Status, next)
		}
		from = r.Status
		r.Status = next
		if mutate != nil {
			mutate(r)
		}
		return nil
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	metrics.ReferralTransitionsTotal.WithLabelValues(string(next)).Inc()
	s.logger.Info("referral transition", "referral_id", id, "from", from, "to", next)
	s.publish(ref, from)
	return ref, nil
}

func (s *Service) recordSignup(ctx context.Context, ref *Referral) {
	if s.tracker == nil || ref.ContentID == "" {
		return
	}
	res, err := s.tracker.Track(ctx, engagement.Event{
		ContentID: ref.ContentID,
		UserID:    ref.ReferredID,
		Metric:    audit.MetricSignups,
		Delta:     1,
		Verification: engagement.Verification{
			Source:   "referral",
			Evidence: engagement.ReferralEvidence{ReferralCode: ref.Code, ReferralID: ref.ID},
			Client: engagement.ClientInfo{
				IPAddress: ref.IPAddress,
				UserAgent: ref.UserAgent,
				Timestamp: s.now(),
			},
			ReferrerID: ref.ReferrerID,
		},
	})
	if err != nil {
		s.logger.Error("referral signup not recorded", "referral_id", ref.ID, "content_id", ref.ContentID, "error", err)
		return
	}
	if !res.Success {
		s.logger.Warn("referral signup rejected", "referral_id", ref.ID, "outcome", res.Outcome, "reason", res.Error)
	}
}

func (s *Service) publish(ref *Referral, from Status) {
	if s.publisher == nil {
		return
	}
	data := map[string]any{
		"referralId": ref.ID,
		"referrerId": ref.ReferrerID,
		"referredId": ref.ReferredID,
		"status":     string(ref.Status),
		"fraudScore": ref.FraudScore,
	}
	if from != "" {
		data["from"] = string(from)
	}
	if ref.ContentID != "" {
		data["contentId"] = ref.ContentID
	}
	s.publisher.Publish(realtime.EventReferralTransition, data)
}
