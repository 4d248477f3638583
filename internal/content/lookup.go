package content

import (
	"context"
	"errors"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/fraud"
)

// FraudLookup exposes instances to the fraud detector.
type FraudLookup struct {
	Store Store
}

var _ fraud.ContentLookup = FraudLookup{}

func (l FraudLookup) ContentInfo(ctx context.Context, contentID string) (fraud.ContentInfo, bool, error) {
	inst, err := l.Store.GetInstance(ctx, contentID)
	if errors.Is(err, ErrInstanceNotFound) {
		return fraud.ContentInfo{}, false, nil
	}
	if err != nil {
		return fraud.ContentInfo{}, false, err
	}
	return fraud.ContentInfo{
		CreatedAt: inst.CreatedAt,
		Shares:    inst.Total(audit.MetricShares),
		Views:     inst.Total(audit.MetricViews),
	}, true, nil
}
