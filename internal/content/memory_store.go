package content

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/syncutil"
)

// MemoryStore keeps variants and instances in maps. Updates are
// copy-on-write: the per-id lock serializes writers of one id while the map
// lock is held only to read or swap a pointer.
type MemoryStore struct {
	mu        sync.RWMutex
	variants  map[string]*Variant
	instances map[string]*Instance
	locks     *syncutil.ContextKeyedMutex
}

// NewMemoryStore creates an empty in-memory content store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		variants:  make(map[string]*Variant),
		instances: make(map[string]*Instance),
		locks:     syncutil.NewContextKeyedMutex(),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateVariant(_ context.Context, v *Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.variants[v.ID]; ok {
		return ErrVariantExists
	}
	cp := *v
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	cp.Recompute()
	s.variants[v.ID] = &cp
	return nil
}

func (s *MemoryStore) GetVariant(_ context.Context, id string) (*Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.variants[id]
	if !ok {
		return nil, ErrVariantNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) ListVariants(_ context.Context) ([]*Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Variant, 0, len(s.variants))
	for _, v := range s.variants {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) IncrementAttempts(ctx context.Context, id string) (*Variant, error) {
	return s.updateVariant(ctx, id, func(v *Variant) {
		v.Attempts++
	})
}

func (s *MemoryStore) ApplyPerformance(ctx context.Context, id string, deltas map[audit.Metric]int64) (*Variant, error) {
	return s.updateVariant(ctx, id, func(v *Variant) {
		for m, d := range deltas {
			v.addCount(m, d)
		}
	})
}

func (s *MemoryStore) updateVariant(ctx context.Context, id string, mutate func(*Variant)) (*Variant, error) {
	unlock, err := s.locks.LockContext(ctx, "variant:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.GetVariant(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(cur)
	cur.Recompute()
	cur.UpdatedAt = time.Now()

	stored := *cur
	s.mu.Lock()
	s.variants[id] = &stored
	s.mu.Unlock()
	return cur, nil
}

func (s *MemoryStore) CreateInstance(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.variants[inst.VariantID]; !ok {
		return ErrVariantNotFound
	}
	if _, ok := s.instances[inst.ID]; ok {
		return ErrInstanceExists
	}
	cp := inst.clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.instances[inst.ID] = cp
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.clone(), nil
}

func (s *MemoryStore) ListInstances(_ context.Context, variantID string, since time.Time) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Instance
	for _, inst := range s.instances {
		if inst.VariantID == variantID && !inst.CreatedAt.Before(since) {
			out = append(out, inst.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) IncrementVerified(ctx context.Context, instanceID string, m audit.Metric, status audit.Status, delta int64) (*Instance, error) {
	unlock, err := s.locks.LockContext(ctx, "instance:"+instanceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	cur.applyVerified(m, status, delta)

	s.mu.Lock()
	s.instances[instanceID] = cur.clone()
	s.mu.Unlock()
	return cur, nil
}
