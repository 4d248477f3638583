package referral

import (
	"context"

	"github.com/mbd888/viralloop/internal/fraud"
)

// Graph answers cycle questions over the stored referrals. It also serves
// the engagement fraud detector's circular-referral check.
type Graph struct {
	Store Store
}

var _ fraud.ReferralGraph = Graph{}

// CircularReferral reports whether a referral from referrerID to referredID
// would close a loop: referredID already referred referrerID, referrerID is
// in a mutual pair with someone who referred them, or referredID referred
// one of referrerID's own referrers.
func (g Graph) CircularReferral(ctx context.Context, referrerID, referredID string) (bool, error) {
	back, err := g.Store.Exists(ctx, referredID, referrerID)
	if err != nil || back {
		return back, err
	}

	upstream, err := g.Store.ReferrersOf(ctx, referrerID)
	if err != nil {
		return false, err
	}
	for _, x := range upstream {
		if x == referredID {
			continue
		}
		mutual, err := g.Store.Exists(ctx, referrerID, x)
		if err != nil {
			return false, err
		}
		if mutual {
			return true, nil
		}
		closes, err := g.Store.Exists(ctx, referredID, x)
		if err != nil {
			return false, err
		}
		if closes {
			return true, nil
		}
	}
	return false, nil
}
