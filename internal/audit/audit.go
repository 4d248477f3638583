// Package audit is the append-only ledger of engagement events. Every
// accepted event becomes exactly one Entry; entries are never updated or
// deleted, and verified totals are rebuilt by replaying them.
package audit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDuplicateKey = errors.New("audit: idempotency key already recorded")
	ErrInvalidEntry = errors.New("audit: invalid entry")
)

// Metric is an engagement signal type.
type Metric string

const (
	MetricShares   Metric = "shares"
	MetricViews    Metric = "views"
	MetricLikes    Metric = "likes"
	MetricComments Metric = "comments"
	MetricSaves    Metric = "saves"
	MetricClicks   Metric = "clicks"
	MetricSignups  Metric = "signups"
)

// Metrics lists every metric in a stable order.
var Metrics = []Metric{
	MetricShares, MetricViews, MetricLikes, MetricComments,
	MetricSaves, MetricClicks, MetricSignups,
}

var metricWeights = map[Metric]float64{
	MetricSignups:  1000,
	MetricShares:   100,
	MetricClicks:   50,
	MetricSaves:    30,
	MetricComments: 20,
	MetricLikes:    10,
	MetricViews:    1,
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	_, ok := metricWeights[m]
	return ok
}

// Weight is the metric's contribution per unit to a viral score.
func (m Metric) Weight() float64 { return metricWeights[m] }

// Status is the trust tier of a reported metric.
type Status string

const (
	StatusPlatformVerified Status = "platform_verified"
	StatusPaymentVerified  Status = "payment_verified"
	StatusReferralVerified Status = "referral_verified"
	StatusEmailVerified    Status = "email_verified"
	StatusInferred         Status = "inferred"
	StatusUserClaimed      Status = "user_claimed"
	StatusPending          Status = "pending"
)

// Statuses lists every verification status from most to least trusted.
var Statuses = []Status{
	StatusPlatformVerified, StatusPaymentVerified, StatusReferralVerified,
	StatusEmailVerified, StatusInferred, StatusUserClaimed, StatusPending,
}

var statusWeights = map[Status]float64{
	StatusPlatformVerified: 1.0,
	StatusPaymentVerified:  1.0,
	StatusReferralVerified: 0.8,
	StatusEmailVerified:    0.7,
	StatusInferred:         0.5,
	StatusUserClaimed:      0.3,
	StatusPending:          0.1,
}

// Valid reports whether s is a known verification status.
func (s Status) Valid() bool {
	_, ok := statusWeights[s]
	return ok
}

// Weight is the trust multiplier applied when scoring, never when storing.
func (s Status) Weight() float64 { return statusWeights[s] }

// Entry is one engagement delta as recorded in the ledger.
type Entry struct {
	ID             string    `json:"id"`
	ContentID      string    `json:"contentId"`
	UserID         string    `json:"userId"`
	Metric         Metric    `json:"metric"`
	Delta          int64     `json:"delta"`
	Status         Status    `json:"status"`
	Source         string    `json:"source"`
	FraudScore     float64   `json:"fraudScore"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	IPAddress      string    `json:"ipAddress,omitempty"`
	UserAgent      string    `json:"userAgent,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (e *Entry) validate() error {
	switch {
	case e.ID == "", e.ContentID == "", e.UserID == "":
		return ErrInvalidEntry
	case !e.Metric.Valid(), !e.Status.Valid():
		return ErrInvalidEntry
	}
	return nil
}

// Reader is the query side of the ledger used by the rate limiter, the
// fraud detector and reconciliation.
type Reader interface {
	// SumDeltas totals deltas for (contentID, metric) created at or after since.
	SumDeltas(ctx context.Context, contentID string, metric Metric, since time.Time) (int64, error)
	// CountEntries counts entries of any metric for contentID since the given time.
	CountEntries(ctx context.Context, contentID string, since time.Time) (int64, error)
	// CountByIP counts entries of metric from ip since the given time.
	CountByIP(ctx context.Context, ip string, metric Metric, since time.Time) (int64, error)
	// ListEntries returns every entry for contentID, oldest first.
	ListEntries(ctx context.Context, contentID string) ([]*Entry, error)
	// ListByUser returns up to limit entries by userID, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error)
	// CountByUser counts entries of any metric by userID since the given time.
	CountByUser(ctx context.Context, userID string, since time.Time) (int64, error)
	// ContentIDs lists every content id that has at least one entry.
	ContentIDs(ctx context.Context) ([]string, error)
	// HasKey reports whether an entry with this idempotency key exists.
	HasKey(ctx context.Context, key string) (bool, error)
}

// Store persists ledger entries.
type Store interface {
	Reader
	// Append inserts e. The idempotency check and the insert are a single
	// atomic step: a second entry with the same non-empty key returns
	// ErrDuplicateKey and writes nothing.
	Append(ctx context.Context, e *Entry) error
}

// Totals holds per-status sums for each metric.
type Totals map[Metric]map[Status]int64

// Total sums every status bucket for m.
func (t Totals) Total(m Metric) int64 {
	var sum int64
	for _, v := range t[m] {
		sum += v
	}
	return sum
}

// Replay folds entries into per-metric, per-status totals.
func Replay(entries []*Entry) Totals {
	totals := make(Totals)
	for _, e := range entries {
		byStatus, ok := totals[e.Metric]
		if !ok {
			byStatus = make(map[Status]int64)
			totals[e.Metric] = byStatus
		}
		byStatus[e.Status] += e.Delta
	}
	return totals
}
