package referral

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/viralloop/internal/syncutil"
)

// MemoryStore is an in-memory referral store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	codes     map[string]*Code
	referrals map[string]*Referral
	pairs     map[[2]string]string
	locks     *syncutil.ContextKeyedMutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codes:     make(map[string]*Code),
		referrals: make(map[string]*Referral),
		pairs:     make(map[[2]string]string),
		locks:     syncutil.NewContextKeyedMutex(),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateCode(_ context.Context, c *Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[c.Code]; ok {
		return ErrCodeExists
	}
	cp := *c
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.codes[c.Code] = &cp
	return nil
}

func (s *MemoryStore) GetCode(_ context.Context, code string) (*Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) Create(_ context.Context, r *Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[r.Code]; !ok {
		return ErrCodeNotFound
	}
	pair := [2]string{r.ReferrerID, r.ReferredID}
	if _, ok := s.pairs[pair]; ok {
		return ErrDuplicate
	}
	cp := r.clone()
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = cp.CreatedAt
	s.referrals[r.ID] = cp
	s.pairs[pair] = r.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.referrals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(r *Referral) error) (*Referral, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(cur); err != nil {
		return nil, err
	}
	cur.UpdatedAt = time.Now()

	s.mu.Lock()
	s.referrals[id] = cur.clone()
	s.mu.Unlock()
	return cur, nil
}

func (s *MemoryStore) Exists(_ context.Context, referrerID, referredID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pairs[[2]string{referrerID, referredID}]
	return ok, nil
}

func (s *MemoryStore) ReferrersOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for pair := range s.pairs {
		if pair[1] == userID {
			out = append(out, pair[0])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) CountByReferrer(_ context.Context, referrerID string, since time.Time) (int64, error) {
	return s.count(func(r *Referral) bool {
		return r.ReferrerID == referrerID && !r.CreatedAt.Before(since)
	}), nil
}

func (s *MemoryStore) CountByReferrerIP(_ context.Context, referrerID, ip string, since time.Time) (int64, error) {
	return s.count(func(r *Referral) bool {
		return r.ReferrerID == referrerID && r.IPAddress == ip && !r.CreatedAt.Before(since)
	}), nil
}

func (s *MemoryStore) count(match func(*Referral) bool) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.referrals {
		if match(r) {
			n++
		}
	}
	return n
}
