package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/artpar/usagegate/domain/billing"
	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/ports"
)

// SubscriptionStore implements ports.SubscriptionStore.
type SubscriptionStore struct {
	db *DB
}

// NewSubscriptionStore creates a new subscription store.
func NewSubscriptionStore(db *DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionColumns = `user_id, customer_id, subscription_id, tier, status, current_period_end, event_created_at, updated_at`

const subscriptionSelect = `SELECT ` + subscriptionColumns + `, usage_reset_event_id FROM subscriptions`

// Get returns a user's subscription.
func (s *SubscriptionStore) Get(ctx context.Context, userID string) (billing.Subscription, error) {
	return s.scanRow(s.db.queryRow(ctx, subscriptionSelect+` WHERE user_id = ?`, userID))
}

// GetByCustomer looks a subscription up by customer ID.
func (s *SubscriptionStore) GetByCustomer(ctx context.Context, customerID string) (billing.Subscription, error) {
	if customerID == "" {
		return billing.Subscription{}, ports.ErrNotFound
	}
	return s.scanRow(s.db.queryRow(ctx, subscriptionSelect+` WHERE customer_id = ? ORDER BY event_created_at DESC LIMIT 1`, customerID))
}

// Save upserts by user ID unless the stored row came from a later event.
func (s *SubscriptionStore) Save(ctx context.Context, sub billing.Subscription) (bool, error) {
	res, err := s.db.exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			customer_id = excluded.customer_id,
			subscription_id = excluded.subscription_id,
			tier = excluded.tier,
			status = excluded.status,
			current_period_end = excluded.current_period_end,
			event_created_at = excluded.event_created_at,
			updated_at = excluded.updated_at
		WHERE excluded.event_created_at >= subscriptions.event_created_at
	`, sub.UserID, sub.CustomerID, sub.SubscriptionID, string(sub.Tier), string(sub.Status),
		toMillis(sub.CurrentPeriodEnd), toMillis(sub.EventCreatedAt), toMillis(sub.UpdatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkUsageReset records the checkout event whose reset was applied.
func (s *SubscriptionStore) MarkUsageReset(ctx context.Context, userID, eventID string) error {
	res, err := s.db.exec(ctx, `UPDATE subscriptions SET usage_reset_event_id = ? WHERE user_id = ?`, eventID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (s *SubscriptionStore) scanRow(row *sql.Row) (billing.Subscription, error) {
	var sub billing.Subscription
	var tier, status string
	var periodEnd, eventAt, updatedAt int64
	err := row.Scan(&sub.UserID, &sub.CustomerID, &sub.SubscriptionID, &tier, &status, &periodEnd, &eventAt, &updatedAt, &sub.UsageResetEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Subscription{}, ports.ErrNotFound
	}
	if err != nil {
		return billing.Subscription{}, err
	}
	sub.Tier = plan.Tier(tier)
	sub.Status = billing.Status(status)
	sub.CurrentPeriodEnd = fromMillis(periodEnd)
	sub.EventCreatedAt = fromMillis(eventAt)
	sub.UpdatedAt = fromMillis(updatedAt)
	return sub, nil
}

// Ensure interface compliance.
var _ ports.SubscriptionStore = (*SubscriptionStore)(nil)
