package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/artpar/usagegate/domain/quota"
	"github.com/artpar/usagegate/ports"
)

// UsageStore implements ports.UsageStore. Reserve is a single conditional
// upsert, so concurrent reservations for one key serialize in the database.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Reserve adds amount when current+amount fits under limit.
func (s *UsageStore) Reserve(ctx context.Context, k quota.Key, amount, limit int64, periodEnd time.Time) (int64, bool, error) {
	if limit >= 0 && amount > limit {
		cur, err := s.Get(ctx, k)
		return cur, false, err
	}

	now := time.Now().UTC()
	var current int64
	err := s.db.queryRow(ctx, `
		INSERT INTO usage_counters (user_id, resource, period_start, period_end, current_value, limit_value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, resource, period_start) DO UPDATE SET
			current_value = usage_counters.current_value + excluded.current_value,
			limit_value = excluded.limit_value,
			updated_at = excluded.updated_at
		WHERE excluded.limit_value < 0
			OR usage_counters.current_value + excluded.current_value <= excluded.limit_value
		RETURNING current_value
	`, k.UserID, string(k.Resource), toMillis(k.PeriodStart), toMillis(periodEnd), amount, limit, toMillis(now)).Scan(&current)

	if errors.Is(err, sql.ErrNoRows) {
		// Conflict row failed the guard: nothing was written.
		cur, err := s.Get(ctx, k)
		return cur, false, err
	}
	if err != nil {
		return 0, false, err
	}
	return current, true, nil
}

// Release subtracts amount, clamping at zero.
func (s *UsageStore) Release(ctx context.Context, k quota.Key, amount int64) (int64, error) {
	var current int64
	err := s.db.queryRow(ctx, `
		UPDATE usage_counters
		SET current_value = CASE WHEN current_value > ? THEN current_value - ? ELSE 0 END,
			updated_at = ?
		WHERE user_id = ? AND resource = ? AND period_start = ?
		RETURNING current_value
	`, amount, amount, toMillis(time.Now().UTC()), k.UserID, string(k.Resource), toMillis(k.PeriodStart)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return current, err
}

// Get returns the counter value, 0 when absent.
func (s *UsageStore) Get(ctx context.Context, k quota.Key) (int64, error) {
	var current int64
	err := s.db.queryRow(ctx, `
		SELECT current_value FROM usage_counters
		WHERE user_id = ? AND resource = ? AND period_start = ?
	`, k.UserID, string(k.Resource), toMillis(k.PeriodStart)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return current, err
}

// Reset zeroes a counter.
func (s *UsageStore) Reset(ctx context.Context, k quota.Key) error {
	_, err := s.db.exec(ctx, `
		UPDATE usage_counters SET current_value = 0, updated_at = ?
		WHERE user_id = ? AND resource = ? AND period_start = ?
	`, toMillis(time.Now().UTC()), k.UserID, string(k.Resource), toMillis(k.PeriodStart))
	return err
}

// DeleteExpired removes counters whose period ended at or before t.
func (s *UsageStore) DeleteExpired(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.exec(ctx, `DELETE FROM usage_counters WHERE period_end <= ?`, toMillis(t))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
