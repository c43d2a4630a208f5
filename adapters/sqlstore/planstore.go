package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/ports"
)

// PlanStore implements ports.PlanStore.
type PlanStore struct {
	db *DB
}

// NewPlanStore creates a new plan store.
func NewPlanStore(db *DB) *PlanStore {
	return &PlanStore{db: db}
}

// Get returns a tier's limits.
func (s *PlanStore) Get(ctx context.Context, tier plan.Tier) (plan.Limits, error) {
	var l plan.Limits
	var t string
	err := s.db.queryRow(ctx, `
		SELECT tier, storage_bytes, conversions_per_month, api_calls_per_month, max_file_size_bytes
		FROM plan_limits WHERE tier = ?
	`, string(tier)).Scan(&t, &l.StorageBytes, &l.ConversionsPerMonth, &l.APICallsPerMonth, &l.MaxFileSizeBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return plan.Limits{}, ports.ErrNotFound
	}
	if err != nil {
		return plan.Limits{}, err
	}
	l.Tier = plan.Tier(t)
	return l, nil
}

// List returns all tiers.
func (s *PlanStore) List(ctx context.Context) ([]plan.Limits, error) {
	rows, err := s.db.query(ctx, `
		SELECT tier, storage_bytes, conversions_per_month, api_calls_per_month, max_file_size_bytes
		FROM plan_limits ORDER BY storage_bytes
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []plan.Limits
	for rows.Next() {
		var l plan.Limits
		var t string
		if err := rows.Scan(&t, &l.StorageBytes, &l.ConversionsPerMonth, &l.APICallsPerMonth, &l.MaxFileSizeBytes); err != nil {
			return nil, err
		}
		l.Tier = plan.Tier(t)
		out = append(out, l)
	}
	return out, rows.Err()
}

// Upsert creates or replaces a tier.
func (s *PlanStore) Upsert(ctx context.Context, l plan.Limits) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO plan_limits (tier, storage_bytes, conversions_per_month, api_calls_per_month, max_file_size_bytes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tier) DO UPDATE SET
			storage_bytes = excluded.storage_bytes,
			conversions_per_month = excluded.conversions_per_month,
			api_calls_per_month = excluded.api_calls_per_month,
			max_file_size_bytes = excluded.max_file_size_bytes
	`, string(l.Tier), l.StorageBytes, l.ConversionsPerMonth, l.APICallsPerMonth, l.MaxFileSizeBytes)
	return err
}

// Ensure interface compliance.
var _ ports.PlanStore = (*PlanStore)(nil)
