package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/artpar/usagegate/domain/ratelimit"
	"github.com/artpar/usagegate/ports"
)

// RateLimitStore implements ports.RateLimitStore over rate_limit_records.
type RateLimitStore struct {
	db *DB
}

// NewRateLimitStore creates a new rate limit store.
func NewRateLimitStore(db *DB) *RateLimitStore {
	return &RateLimitStore{db: db}
}

// Record inserts one request record.
func (s *RateLimitStore) Record(ctx context.Context, r ratelimit.Record) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO rate_limit_records (identifier, endpoint_class, ip, occurred_at)
		VALUES (?, ?, ?, ?)
	`, string(r.Identifier), string(r.Class), r.IP, toMillis(r.At))
	return err
}

// Window returns the count and oldest record since the given time.
func (s *RateLimitStore) Window(ctx context.Context, id ratelimit.Identifier, class ratelimit.Class, since time.Time) (ratelimit.WindowState, error) {
	var count int
	var oldest sql.NullInt64
	err := s.db.queryRow(ctx, `
		SELECT COUNT(*), MIN(occurred_at) FROM rate_limit_records
		WHERE identifier = ? AND (? = '' OR endpoint_class = ?) AND occurred_at >= ?
	`, string(id), string(class), string(class), toMillis(since)).Scan(&count, &oldest)
	if err != nil {
		return ratelimit.WindowState{}, err
	}
	state := ratelimit.WindowState{Count: count}
	if oldest.Valid {
		state.Oldest = fromMillis(oldest.Int64)
	}
	return state, nil
}

// Count returns the number of records since the given time.
func (s *RateLimitStore) Count(ctx context.Context, id ratelimit.Identifier, class ratelimit.Class, since time.Time) (int, error) {
	var count int
	err := s.db.queryRow(ctx, `
		SELECT COUNT(*) FROM rate_limit_records
		WHERE identifier = ? AND (? = '' OR endpoint_class = ?) AND occurred_at >= ?
	`, string(id), string(class), string(class), toMillis(since)).Scan(&count)
	return count, err
}

// WindowByIP returns the count and oldest record made from ip since the given time.
func (s *RateLimitStore) WindowByIP(ctx context.Context, ip string, since time.Time) (ratelimit.WindowState, error) {
	var count int
	var oldest sql.NullInt64
	err := s.db.queryRow(ctx, `
		SELECT COUNT(*), MIN(occurred_at) FROM rate_limit_records
		WHERE ip = ? AND occurred_at >= ?
	`, ip, toMillis(since)).Scan(&count, &oldest)
	if err != nil {
		return ratelimit.WindowState{}, err
	}
	state := ratelimit.WindowState{Count: count}
	if oldest.Valid {
		state.Oldest = fromMillis(oldest.Int64)
	}
	return state, nil
}

// CountByIP returns the number of records made from ip since the given time.
func (s *RateLimitStore) CountByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	err := s.db.queryRow(ctx, `
		SELECT COUNT(*) FROM rate_limit_records WHERE ip = ? AND occurred_at >= ?
	`, ip, toMillis(since)).Scan(&count)
	return count, err
}

// DistinctIPs returns how many IPs the identifier used since the given time.
func (s *RateLimitStore) DistinctIPs(ctx context.Context, id ratelimit.Identifier, since time.Time) (int, error) {
	var count int
	err := s.db.queryRow(ctx, `
		SELECT COUNT(DISTINCT ip) FROM rate_limit_records
		WHERE identifier = ? AND ip <> '' AND occurred_at >= ?
	`, string(id), toMillis(since)).Scan(&count)
	return count, err
}

// DeleteBefore removes records older than t.
func (s *RateLimitStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.exec(ctx, `DELETE FROM rate_limit_records WHERE occurred_at < ?`, toMillis(t))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ensure interface compliance.
var _ ports.RateLimitStore = (*RateLimitStore)(nil)
