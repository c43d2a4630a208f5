package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/artpar/usagegate/domain/abuse"
	"github.com/artpar/usagegate/ports"
)

// SuspensionStore implements ports.SuspensionStore.
type SuspensionStore struct {
	db *DB
}

// NewSuspensionStore creates a new suspension store.
func NewSuspensionStore(db *DB) *SuspensionStore {
	return &SuspensionStore{db: db}
}

const suspensionColumns = `identifier, reason, severity, created_at, expires_at, is_active, requires_review`

// Active returns the suspension in effect for identifier.
func (s *SuspensionStore) Active(ctx context.Context, identifier string, now time.Time) (abuse.Suspension, error) {
	row := s.db.queryRow(ctx, `
		SELECT `+suspensionColumns+` FROM suspensions
		WHERE identifier = ? AND is_active = ? AND (requires_review = ? OR expires_at > ?)
	`, identifier, true, true, toMillis(now))
	sus, err := scanSuspension(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return abuse.Suspension{}, ports.ErrNotFound
	}
	return sus, err
}

// Create stores a suspension, replacing any previous one.
func (s *SuspensionStore) Create(ctx context.Context, sus abuse.Suspension) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO suspensions (`+suspensionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identifier) DO UPDATE SET
			reason = excluded.reason,
			severity = excluded.severity,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			is_active = excluded.is_active,
			requires_review = excluded.requires_review
	`, sus.Identifier, string(sus.Reason), string(sus.Severity), toMillis(sus.CreatedAt), toMillis(sus.ExpiresAt), sus.Active, sus.RequiresReview)
	return err
}

// List returns suspensions in effect, soonest expiry first.
func (s *SuspensionStore) List(ctx context.Context, now time.Time) ([]abuse.Suspension, error) {
	rows, err := s.db.query(ctx, `
		SELECT `+suspensionColumns+` FROM suspensions
		WHERE is_active = ? AND (requires_review = ? OR expires_at > ?)
		ORDER BY expires_at
	`, true, true, toMillis(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []abuse.Suspension
	for rows.Next() {
		sus, err := scanSuspension(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sus)
	}
	return out, rows.Err()
}

// Lift deactivates a suspension.
func (s *SuspensionStore) Lift(ctx context.Context, identifier string) error {
	res, err := s.db.exec(ctx, `UPDATE suspensions SET is_active = ? WHERE identifier = ?`, false, identifier)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// Expire deactivates time-bounded suspensions that ended at or before now.
func (s *SuspensionStore) Expire(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.exec(ctx, `
		UPDATE suspensions SET is_active = ?
		WHERE is_active = ? AND requires_review = ? AND expires_at <= ?
	`, false, true, false, toMillis(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSuspension(scan func(dest ...any) error) (abuse.Suspension, error) {
	var sus abuse.Suspension
	var reason, severity string
	var created, expires int64
	if err := scan(&sus.Identifier, &reason, &severity, &created, &expires, &sus.Active, &sus.RequiresReview); err != nil {
		return abuse.Suspension{}, err
	}
	sus.Reason = abuse.Pattern(reason)
	sus.Severity = abuse.Severity(severity)
	sus.CreatedAt = fromMillis(created)
	sus.ExpiresAt = fromMillis(expires)
	return sus, nil
}

// Ensure interface compliance.
var _ ports.SuspensionStore = (*SuspensionStore)(nil)
