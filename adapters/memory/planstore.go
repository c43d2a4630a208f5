package memory

import (
	"context"
	"sync"

	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/ports"
)

// PlanStore is an in-memory implementation of ports.PlanStore.
type PlanStore struct {
	mu     sync.RWMutex
	limits map[plan.Tier]plan.Limits
	gets   int // Number of Get calls, for cache tests
}

// NewPlanStore creates a store seeded with the given limits.
func NewPlanStore(seed []plan.Limits) *PlanStore {
	s := &PlanStore{limits: make(map[plan.Tier]plan.Limits)}
	for _, l := range seed {
		s.limits[l.Tier] = l
	}
	return s
}

// Get returns a tier's limits.
func (s *PlanStore) Get(ctx context.Context, tier plan.Tier) (plan.Limits, error) {
	if err := ctx.Err(); err != nil {
		return plan.Limits{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	l, ok := s.limits[tier]
	if !ok {
		return plan.Limits{}, ports.ErrNotFound
	}
	return l, nil
}

// List returns all limits in tier order.
func (s *PlanStore) List(ctx context.Context) ([]plan.Limits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []plan.Limits
	for _, t := range []plan.Tier{plan.TierFree, plan.TierPro, plan.TierAgency} {
		if l, ok := s.limits[t]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

// Upsert replaces a tier's limits.
func (s *PlanStore) Upsert(ctx context.Context, l plan.Limits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[l.Tier] = l
	return nil
}

// Gets returns how many times Get was called (for testing).
func (s *PlanStore) Gets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gets
}

// Ensure interface compliance.
var _ ports.PlanStore = (*PlanStore)(nil)
