package referral

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidSignature = errors.New("referral: invalid link signature")
	ErrLinkExpired      = errors.New("referral: link expired")
	ErrMalformedLink    = errors.New("referral: malformed link")
)

const (
	// DefaultLinkMaxAge is how long a signed link stays valid.
	DefaultLinkMaxAge = 30 * 24 * time.Hour
	futureSkew        = 5 * time.Minute
)

// LinkPayload is the signed content of a referral link.
type LinkPayload struct {
	Code      string `json:"code"`
	UserID    string `json:"userId"`
	ContentID string `json:"contentId"`
	Platform  string `json:"platform"`
	Timestamp int64  `json:"timestamp"`
}

// Signer builds and checks signed referral links.
type Signer struct {
	secret []byte
	host   string
	maxAge time.Duration
	codes  Store
	now    func() time.Time
}

// NewSigner creates a signer. Links point at https://host/signup.
func NewSigner(secret, host string, maxAge time.Duration, codes Store) *Signer {
	if maxAge <= 0 {
		maxAge = DefaultLinkMaxAge
	}
	return &Signer{secret: []byte(secret), host: host, maxAge: maxAge, codes: codes, now: time.Now}
}

func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign returns the hex HMAC-SHA256 of the payload's canonical JSON form.
func (s *Signer) Sign(p LinkPayload) string {
	raw, _ := json.Marshal(p)
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

// Link creates a signed link for code, stamped with the current time.
func (s *Signer) Link(ctx context.Context, code, contentID, platform string) (string, *LinkPayload, error) {
	c, err := s.codes.GetCode(ctx, code)
	if err != nil {
		return "", nil, err
	}
	p := LinkPayload{
		Code:      c.Code,
		UserID:    c.UserID,
		ContentID: contentID,
		Platform:  platform,
		Timestamp: s.now().Unix(),
	}

	q := url.Values{}
	q.Set("ref", p.Code)
	q.Set("sig", s.Sign(p))
	if p.ContentID != "" {
		q.Set("ct", p.ContentID)
	}
	if p.Platform != "" {
		q.Set("pl", p.Platform)
	}
	q.Set("ts", strconv.FormatInt(p.Timestamp, 10))

	u := url.URL{Scheme: "https", Host: s.host, Path: "/signup", RawQuery: q.Encode()}
	return u.String(), &p, nil
}

// Verify checks the query parameters of a referral link. The owner of the
// code is looked up rather than trusted from the link, the digest is
// recomputed and compared in constant time, and the timestamp must be no
// older than the max age and no more than five minutes in the future.
func (s *Signer) Verify(ctx context.Context, q url.Values) (*LinkPayload, error) {
	code := strings.TrimSpace(q.Get("ref"))
	sig := q.Get("sig")
	ts, err := strconv.ParseInt(q.Get("ts"), 10, 64)
	if code == "" || sig == "" || err != nil {
		return nil, ErrMalformedLink
	}

	c, err := s.codes.GetCode(ctx, code)
	if err != nil {
		return nil, err
	}
	p := LinkPayload{
		Code:      c.Code,
		UserID:    c.UserID,
		ContentID: q.Get("ct"),
		Platform:  q.Get("pl"),
		Timestamp: ts,
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	want, _ := hex.DecodeString(s.Sign(p))
	if !hmac.Equal(got, want) {
		return nil, ErrInvalidSignature
	}

	issued := time.Unix(ts, 0)
	now := s.now()
	if issued.After(now.Add(futureSkew)) || now.Sub(issued) > s.maxAge {
		return nil, ErrLinkExpired
	}
	return &p, nil
}
