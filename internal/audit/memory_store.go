package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	keys    map[string]struct{}
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]struct{})}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Append(ctx context.Context, e *Entry) error {
	return s.AppendWith(ctx, e, nil)
}

// AppendWith runs apply under the ledger lock after the duplicate check and
// records e only if apply succeeds. A failed apply leaves no entry and no
// reserved key, so the caller can retry.
func (s *MemoryStore) AppendWith(_ context.Context, e *Entry, apply func() error) error {
	if err := e.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.IdempotencyKey != "" {
		if _, seen := s.keys[e.IdempotencyKey]; seen {
			return ErrDuplicateKey
		}
	}
	if apply != nil {
		if err := apply(); err != nil {
			return err
		}
	}

	if e.IdempotencyKey != "" {
		s.keys[e.IdempotencyKey] = struct{}{}
	}
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryStore) HasKey(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok, nil
}

func (s *MemoryStore) SumDeltas(_ context.Context, contentID string, metric Metric, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, e := range s.entries {
		if e.ContentID == contentID && e.Metric == metric && !e.CreatedAt.Before(since) {
			sum += e.Delta
		}
	}
	return sum, nil
}

func (s *MemoryStore) CountEntries(_ context.Context, contentID string, since time.Time) (int64, error) {
	return s.count(func(e *Entry) bool {
		return e.ContentID == contentID && !e.CreatedAt.Before(since)
	}), nil
}

func (s *MemoryStore) CountByIP(_ context.Context, ip string, metric Metric, since time.Time) (int64, error) {
	if ip == "" {
		return 0, nil
	}
	return s.count(func(e *Entry) bool {
		return e.IPAddress == ip && e.Metric == metric && !e.CreatedAt.Before(since)
	}), nil
}

func (s *MemoryStore) CountByUser(_ context.Context, userID string, since time.Time) (int64, error) {
	return s.count(func(e *Entry) bool {
		return e.UserID == userID && !e.CreatedAt.Before(since)
	}), nil
}

func (s *MemoryStore) count(match func(*Entry) bool) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.entries {
		if match(e) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) ListEntries(_ context.Context, contentID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.entries {
		if e.ContentID == contentID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.UserID != userID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ContentIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var ids []string
	for _, e := range s.entries {
		if !seen[e.ContentID] {
			seen[e.ContentID] = true
			ids = append(ids, e.ContentID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
