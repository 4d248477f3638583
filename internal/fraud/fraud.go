// Package fraud scores engagement events with a fixed battery of heuristic
// checks. Each triggered check adds its weight to the score, which is
// capped at 1.0; an event is blocked when the score exceeds 0.7.
// Thresholds and weights are package constants.
package fraud

import (
	"context"
	"time"
)

// BlockThreshold is the score above which an event is rejected.
const BlockThreshold = 0.7

// Check weights, in evaluation order.
const (
	weightRapidEngagement  = 0.3
	weightImpossibleGrowth = 0.4
	weightCircularReferral = 0.5
	weightDuplicateIP      = 0.4
	weightNewAccountSpam   = 0.3
	weightBotPattern       = 0.3
)

// Flags names the checks that fired.
type Flags struct {
	RapidEngagement  bool `json:"rapidEngagement"`
	ImpossibleGrowth bool `json:"impossibleGrowth"`
	CircularReferral bool `json:"circularReferral"`
	DuplicateIP      bool `json:"duplicateIP"`
	NewAccountSpam   bool `json:"newAccountSpam"`
	BotPattern       bool `json:"botPattern"`
}

// Score is the verdict for one event.
type Score struct {
	Score       float64  `json:"score"`
	Confidence  float64  `json:"confidence"`
	Reasons     []string `json:"reasons"`
	ShouldBlock bool     `json:"shouldBlock"`
	Flags       Flags    `json:"flags"`
}

// Metadata is what the caller knows about the event's origin.
type Metadata struct {
	IPAddress  string
	UserAgent  string
	ReferrerID string
	// AccountCreatedAt is the acting user's signup time when the identity
	// provider supplied it. Zero means unknown.
	AccountCreatedAt time.Time
}

// ContentInfo is the slice of a content instance the checks need.
type ContentInfo struct {
	CreatedAt time.Time
	Shares    int64
	Views     int64
}

// ContentLookup resolves content ids. found is false for unknown ids.
type ContentLookup interface {
	ContentInfo(ctx context.Context, contentID string) (info ContentInfo, found bool, err error)
}

// ReferralGraph answers whether a referral would close a cycle.
type ReferralGraph interface {
	// CircularReferral reports whether referrerID has referred someone who
	// in turn referred referrerID, or whether referredID already referred
	// referrerID.
	CircularReferral(ctx context.Context, referrerID, referredID string) (bool, error)
}
