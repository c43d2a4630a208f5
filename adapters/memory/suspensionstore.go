package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/usagegate/domain/abuse"
	"github.com/artpar/usagegate/ports"
)

// SuspensionStore is an in-memory implementation of ports.SuspensionStore.
type SuspensionStore struct {
	mu          sync.RWMutex
	suspensions map[string]abuse.Suspension
}

// NewSuspensionStore creates an empty store.
func NewSuspensionStore() *SuspensionStore {
	return &SuspensionStore{suspensions: make(map[string]abuse.Suspension)}
}

// Active returns the suspension in effect for identifier.
func (s *SuspensionStore) Active(ctx context.Context, identifier string, now time.Time) (abuse.Suspension, error) {
	if err := ctx.Err(); err != nil {
		return abuse.Suspension{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sus, ok := s.suspensions[identifier]
	if !ok || !sus.InEffect(now) {
		return abuse.Suspension{}, ports.ErrNotFound
	}
	return sus, nil
}

// Create stores a suspension, replacing any previous one.
func (s *SuspensionStore) Create(ctx context.Context, sus abuse.Suspension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspensions[sus.Identifier] = sus
	return nil
}

// List returns suspensions in effect, soonest expiry first.
func (s *SuspensionStore) List(ctx context.Context, now time.Time) ([]abuse.Suspension, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []abuse.Suspension
	for _, sus := range s.suspensions {
		if sus.InEffect(now) {
			out = append(out, sus)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// Lift deactivates a suspension.
func (s *SuspensionStore) Lift(ctx context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sus, ok := s.suspensions[identifier]
	if !ok {
		return ports.ErrNotFound
	}
	sus.Active = false
	s.suspensions[identifier] = sus
	return nil
}

// Expire deactivates time-bounded suspensions that have ended.
func (s *SuspensionStore) Expire(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sus := range s.suspensions {
		if sus.Expired(now) {
			sus.Active = false
			s.suspensions[id] = sus
			n++
		}
	}
	return n, nil
}

// Ensure interface compliance.
var _ ports.SuspensionStore = (*SuspensionStore)(nil)
