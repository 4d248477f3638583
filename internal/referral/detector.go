package referral

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/mbd888/viralloop/internal/fraud"
	"github.com/mbd888/viralloop/internal/metrics"
)

const (
	weightCircular     = 0.9
	weightDuplicateIP  = 0.6
	weightVelocity     = 0.5
	weightNewReferrer  = 0.4
	weightBotUserAgent = 0.7

	duplicateIPWindow = 24 * time.Hour
	duplicateIPLimit  = 3
	velocityWindow    = time.Hour
	velocityLimit     = 5
	newReferrerAge    = 7 * 24 * time.Hour
	newReferrerWindow = 24 * time.Hour
	newReferrerLimit  = 3
)

var botUserAgents = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bot|crawler|spider|scraper`),
	regexp.MustCompile(`(?i)curl|wget|python-requests|go-http-client|httpie`),
	regexp.MustCompile(`(?i)headless|phantomjs|selenium|puppeteer|playwright`),
}

// Flags names the referral checks that fired.
type Flags struct {
	Circular     bool `json:"circular"`
	DuplicateIP  bool `json:"duplicateIP"`
	Velocity     bool `json:"velocity"`
	NewReferrer  bool `json:"newReferrer"`
	BotUserAgent bool `json:"botUserAgent"`
}

// Assessment is the fraud verdict for one referral signup.
type Assessment struct {
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons"`
	ShouldBlock bool     `json:"shouldBlock"`
	Flags       Flags    `json:"flags"`
}

func (a *Assessment) add(weight float64, reason string) {
	a.Score = min(1.0, a.Score+weight)
	a.Reasons = append(a.Reasons, reason)
}

// Signup describes a referral about to be recorded.
type Signup struct {
	ReferrerID string
	ReferredID string
	IPAddress  string
	UserAgent  string
	// ReferrerCreatedAt is the referrer's signup time. Zero falls back to
	// the creation time of the referral code.
	ReferrerCreatedAt time.Time
}

// Detector scores referral signups. It uses the same block threshold as
// the engagement detector.
type Detector struct {
	store Store
	graph Graph
	now   func() time.Time
}

func NewDetector(store Store) *Detector {
	return &Detector{store: store, graph: Graph{Store: store}, now: time.Now}
}

func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Assess runs every check. Counts include the signup being assessed.
func (d *Detector) Assess(ctx context.Context, s Signup) (*Assessment, error) {
	now := d.now()
	a := &Assessment{Reasons: []string{}}

	circular, err := d.graph.CircularReferral(ctx, s.ReferrerID, s.ReferredID)
	if err != nil {
		return nil, err
	}
	if circular {
		a.Flags.Circular = true
		a.add(weightCircular, fmt.Sprintf("circular referral between %s and %s", s.ReferrerID, s.ReferredID))
	}

	if s.IPAddress != "" {
		prior, err := d.store.CountByReferrerIP(ctx, s.ReferrerID, s.IPAddress, now.Add(-duplicateIPWindow))
		if err != nil {
			return nil, err
		}
		if prior+1 > duplicateIPLimit {
			a.Flags.DuplicateIP = true
			a.add(weightDuplicateIP, fmt.Sprintf("duplicate IP: %d referrals from %s in 24h", prior+1, s.IPAddress))
		}
	}

	hourly, err := d.store.CountByReferrer(ctx, s.ReferrerID, now.Add(-velocityWindow))
	if err != nil {
		return nil, err
	}
	if hourly+1 > velocityLimit {
		a.Flags.Velocity = true
		a.add(weightVelocity, fmt.Sprintf("velocity: %d signups in the last hour", hourly+1))
	}

	if !s.ReferrerCreatedAt.IsZero() && now.Sub(s.ReferrerCreatedAt) < newReferrerAge {
		daily, err := d.store.CountByReferrer(ctx, s.ReferrerID, now.Add(-newReferrerWindow))
		if err != nil {
			return nil, err
		}
		if daily+1 > newReferrerLimit {
			a.Flags.NewReferrer = true
			a.add(weightNewReferrer, fmt.Sprintf("new referrer: %d referrals from an account %s old", daily+1, now.Sub(s.ReferrerCreatedAt).Truncate(time.Hour)))
		}
	}

	if IsBotUserAgent(s.UserAgent) {
		a.Flags.BotUserAgent = true
		a.add(weightBotUserAgent, fmt.Sprintf("bot user agent: %q", s.UserAgent))
	}

	a.ShouldBlock = a.Score > fraud.BlockThreshold
	a.observe()
	return a, nil
}

// IsBotUserAgent reports whether ua matches a known automation client. An
// empty user agent is not treated as a bot.
func IsBotUserAgent(ua string) bool {
	if ua == "" {
		return false
	}
	for _, re := range botUserAgents {
		if re.MatchString(ua) {
			return true
		}
	}
	return false
}

func (a *Assessment) observe() {
	for name, fired := range map[string]bool{
		"circular":       a.Flags.Circular,
		"duplicate_ip":   a.Flags.DuplicateIP,
		"velocity":       a.Flags.Velocity,
		"new_referrer":   a.Flags.NewReferrer,
		"bot_user_agent": a.Flags.BotUserAgent,
	} {
		if fired {
			metrics.FraudFlagsTotal.WithLabelValues("referral", name).Inc()
		}
	}
}
