package memory

import (
	"context"
	"sync"

	"github.com/artpar/usagegate/domain/billing"
	"github.com/artpar/usagegate/ports"
)

// SubscriptionStore is an in-memory implementation of ports.SubscriptionStore.
type SubscriptionStore struct {
	mu     sync.RWMutex
	byUser map[string]billing.Subscription
}

// NewSubscriptionStore creates an empty store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{byUser: make(map[string]billing.Subscription)}
}

// Get returns a user's subscription.
func (s *SubscriptionStore) Get(ctx context.Context, userID string) (billing.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return billing.Subscription{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byUser[userID]
	if !ok {
		return billing.Subscription{}, ports.ErrNotFound
	}
	return sub, nil
}

// GetByCustomer looks a subscription up by customer ID.
func (s *SubscriptionStore) GetByCustomer(ctx context.Context, customerID string) (billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.byUser {
		if customerID != "" && sub.CustomerID == customerID {
			return sub, nil
		}
	}
	return billing.Subscription{}, ports.ErrNotFound
}

// Save upserts unless the stored row came from a later event.
func (s *SubscriptionStore) Save(ctx context.Context, sub billing.Subscription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byUser[sub.UserID]
	if ok && sub.EventCreatedAt.Before(cur.EventCreatedAt) {
		return false, nil
	}
	sub.UsageResetEventID = cur.UsageResetEventID
	s.byUser[sub.UserID] = sub
	return true, nil
}

// MarkUsageReset records the checkout event whose reset was applied.
func (s *SubscriptionStore) MarkUsageReset(ctx context.Context, userID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byUser[userID]
	if !ok {
		return ports.ErrNotFound
	}
	sub.UsageResetEventID = eventID
	s.byUser[userID] = sub
	return nil
}

// Ensure interface compliance.
var _ ports.SubscriptionStore = (*SubscriptionStore)(nil)
