// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/artpar/usagegate/core/events"
	"github.com/artpar/usagegate/domain/billing"
	"github.com/artpar/usagegate/domain/errs"
	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/domain/quota"
	"github.com/artpar/usagegate/ports"
	"github.com/rs/zerolog"
)

// FailurePolicy decides what a check returns when its store cannot answer.
type FailurePolicy int

const (
	FailClosed FailurePolicy = iota // Deny and report a transient error
	FailOpen                        // Allow and log
)

func (p FailurePolicy) String() string {
	if p == FailOpen {
		return "fail_open"
	}
	return "fail_closed"
}

// QuotaDeps contains dependencies for QuotaService.
type QuotaDeps struct {
	Usage         ports.UsageStore
	Plans         ports.PlanStore
	Subscriptions ports.SubscriptionStore
	Cache         ports.Cache
	Events        ports.EventPublisher
	Clock         ports.Clock
	Logger        zerolog.Logger
}

// QuotaConfig contains hot-reloadable configuration for QuotaService.
type QuotaConfig struct {
	StoreTimeout time.Duration
	Policy       FailurePolicy
}

// DefaultQuotaConfig fails closed after 2s.
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{StoreTimeout: 2 * time.Second, Policy: FailClosed}
}

// QuotaService enforces per-user usage limits.
type QuotaService struct {
	usage  ports.UsageStore
	plans  ports.PlanStore
	subs   ports.SubscriptionStore
	cache  ports.Cache
	events ports.EventPublisher
	clock  ports.Clock
	logger zerolog.Logger

	cfg atomic.Pointer[QuotaConfig]
}

// NewQuotaService creates a new quota service.
func NewQuotaService(deps QuotaDeps, cfg QuotaConfig) *QuotaService {
	s := &QuotaService{
		usage:  deps.Usage,
		plans:  deps.Plans,
		subs:   deps.Subscriptions,
		cache:  deps.Cache,
		events: deps.Events,
		clock:  deps.Clock,
		logger: deps.Logger,
	}
	s.UpdateConfig(cfg)
	return s
}

// UpdateConfig swaps the configuration.
func (s *QuotaService) UpdateConfig(cfg QuotaConfig) {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultQuotaConfig().StoreTimeout
	}
	s.cfg.Store(&cfg)
}

func (s *QuotaService) config() QuotaConfig {
	return *s.cfg.Load()
}

func (s *QuotaService) publish(e events.Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

// CheckAndReserve atomically reserves amount of resource for userID if it
// fits under the user's plan limit. A denied decision is not an error.
func (s *QuotaService) CheckAndReserve(ctx context.Context, userID string, resource plan.Resource, amount int64) (quota.Decision, error) {
	const op = "quota.check_and_reserve"
	if err := validateQuotaArgs(op, userID, resource, amount); err != nil {
		return quota.Decision{}, err
	}

	cfg := s.config()
	ctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()

	now := s.clock.Now()
	limits, err := s.Limits(ctx, userID)
	if err != nil {
		return s.unavailable(op, userID, resource, plan.Unlimited, err, cfg.Policy, now)
	}

	limit := limits.LimitFor(resource)
	key := quota.KeyFor(userID, resource, now)

	if _, ok := quota.Precheck(limits, resource, amount, 0); !ok {
		current, err := s.usage.Get(ctx, key)
		if err != nil {
			return s.unavailable(op, userID, resource, limit, err, cfg.Policy, now)
		}
		d, _ := quota.Precheck(limits, resource, amount, current)
		s.denied(userID, resource, amount, d, now)
		return d, nil
	}

	after, ok, err := s.usage.Reserve(ctx, key, amount, limit, quota.PeriodFor(resource, now).End)
	if err != nil {
		return s.unavailable(op, userID, resource, limit, err, cfg.Policy, now)
	}
	if s.cache != nil {
		s.cache.InvalidateUsage(key)
	}

	if !ok {
		d := quota.Deny(after, limit, quota.ReasonLimitExceeded)
		s.denied(userID, resource, amount, d, now)
		return d, nil
	}

	d := quota.Allow(after-amount, after, limit)
	d.Key = key
	s.publish(events.QuotaReserved{
		UserID: userID, Resource: string(resource), Amount: amount,
		Current: after, Limit: limit, At: now,
	})
	if d.Crossed {
		s.logger.Warn().
			Str("user_id", userID).
			Str("resource", string(resource)).
			Str("level", d.Warning.String()).
			Float64("percentage", d.Percentage).
			Msg("usage crossed warning threshold")
		s.publish(events.QuotaWarning{
			UserID: userID, Resource: string(resource), Level: d.Warning.String(),
			Percentage: d.Percentage, Current: after, Limit: limit, At: now,
		})
	}
	return d, nil
}

func (s *QuotaService) denied(userID string, resource plan.Resource, amount int64, d quota.Decision, now time.Time) {
	s.logger.Info().
		Str("user_id", userID).
		Str("resource", string(resource)).
		Int64("amount", amount).
		Int64("current", d.CurrentUsage).
		Int64("limit", d.Limit).
		Str("reason", d.Reason).
		Msg("quota denied")
	s.publish(events.QuotaDenied{
		UserID: userID, Resource: string(resource), Amount: amount,
		Current: d.CurrentUsage, Limit: d.Limit, Reason: d.Reason, At: now,
	})
}

// unavailable applies the failure policy to a store error.
func (s *QuotaService) unavailable(op, userID string, resource plan.Resource, limit int64, err error, policy FailurePolicy, now time.Time) (quota.Decision, error) {
	s.logger.Error().Err(err).
		Str("user_id", userID).
		Str("resource", string(resource)).
		Str("policy", policy.String()).
		Msg("usage store unavailable")
	s.publish(events.QuotaUnavailable{
		UserID: userID, Resource: string(resource), FailOpen: policy == FailOpen,
		Err: err.Error(), At: now,
	})

	if policy == FailOpen {
		return quota.Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: quota.Remaining(0, limit),
			Reason:    quota.ReasonUnavailable,
		}, nil
	}
	return quota.Deny(0, limit, quota.ReasonUnavailable), errs.Transient(err, op)
}

// Rollback releases a reservation made in the current period. Callers that
// kept the decision should use Release, which also works after the period
// has rolled over.
func (s *QuotaService) Rollback(ctx context.Context, userID string, resource plan.Resource, amount int64) error {
	return s.Release(ctx, quota.KeyFor(userID, resource, s.clock.Now()), amount)
}

// Release returns amount to the counter identified by key. The counter
// never goes below zero.
func (s *QuotaService) Release(ctx context.Context, key quota.Key, amount int64) error {
	const op = "quota.rollback"
	if err := validateQuotaArgs(op, key.UserID, key.Resource, amount); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config().StoreTimeout)
	defer cancel()

	current, err := s.usage.Release(ctx, key, amount)
	if err != nil {
		s.logger.Error().Err(err).
			Str("user_id", key.UserID).
			Str("resource", string(key.Resource)).
			Time("period_start", key.PeriodStart).
			Int64("amount", amount).
			Msg("failed to roll back reservation")
		return errs.Transient(err, op)
	}
	if s.cache != nil {
		s.cache.InvalidateUsage(key)
	}

	s.publish(events.QuotaRolledBack{
		UserID: key.UserID, Resource: string(key.Resource), Amount: amount, Current: current, At: s.clock.Now(),
	})
	return nil
}

// GetUsage returns a snapshot of every resource for userID.
func (s *QuotaService) GetUsage(ctx context.Context, userID string) ([]quota.Usage, error) {
	const op = "quota.get_usage"
	if userID == "" {
		return nil, errs.Validation("invalid_user", op, "user_id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.config().StoreTimeout)
	defer cancel()

	limits, err := s.Limits(ctx, userID)
	if err != nil {
		return nil, errs.Transient(err, op)
	}

	now := s.clock.Now()
	out := make([]quota.Usage, 0, len(plan.Resources))
	for _, r := range plan.Resources {
		key := quota.KeyFor(userID, r, now)
		current, err := s.currentUsage(ctx, key)
		if err != nil {
			return nil, errs.Transient(err, op)
		}
		out = append(out, quota.Snapshot(r, current, limits.LimitFor(r), quota.PeriodFor(r, now)))
	}
	return out, nil
}

// currentUsage reads a counter through the usage cache.
func (s *QuotaService) currentUsage(ctx context.Context, key quota.Key) (int64, error) {
	if s.cache != nil {
		if v, ok := s.cache.Usage(key); ok {
			return v, nil
		}
	}
	v, err := s.usage.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		s.cache.StoreUsage(key, v)
	}
	return v, nil
}

// Limits resolves the plan limits that apply to userID.
func (s *QuotaService) Limits(ctx context.Context, userID string) (plan.Limits, error) {
	load := func(ctx context.Context) (plan.Limits, error) {
		return s.loadLimits(ctx, userID)
	}
	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.Limits(ctx, userID, load)
}

func (s *QuotaService) loadLimits(ctx context.Context, userID string) (plan.Limits, error) {
	found := true
	sub, err := s.subs.Get(ctx, userID)
	if errors.Is(err, ports.ErrNotFound) {
		found = false
	} else if err != nil {
		return plan.Limits{}, err
	}

	tier := billing.EffectiveTier(sub, found)
	limits, err := s.plans.Get(ctx, tier)
	if errors.Is(err, ports.ErrNotFound) {
		if l, ok := plan.Find(plan.Defaults(), tier); ok {
			return l, nil
		}
	}
	return limits, err
}

// InvalidatePlan drops the cached limits for userID after a tier change.
func (s *QuotaService) InvalidatePlan(userID string) {
	if s.cache != nil {
		s.cache.InvalidateLimits(userID)
	}
}

// ResetUser zeroes the user's periodic counters for the current period.
// Cumulative counters such as storage are kept.
func (s *QuotaService) ResetUser(ctx context.Context, userID string) error {
	now := s.clock.Now()
	for _, r := range plan.Resources {
		if !r.Periodic() {
			continue
		}
		key := quota.KeyFor(userID, r, now)
		if err := s.usage.Reset(ctx, key); err != nil {
			return errs.Transient(err, "quota.reset_user")
		}
		if s.cache != nil {
			s.cache.InvalidateUsage(key)
		}
	}
	s.logger.Info().Str("user_id", userID).Msg("periodic usage reset")
	return nil
}

// Rollover deletes counters whose period ended before the current month.
func (s *QuotaService) Rollover(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.usage.DeleteExpired(ctx, quota.PeriodBounds(now).Start)
	if err != nil {
		return 0, errs.Transient(err, "quota.rollover")
	}
	if n > 0 {
		s.logger.Info().Int64("counters", n).Msg("expired usage counters removed")
	}
	return n, nil
}

func validateQuotaArgs(op, userID string, resource plan.Resource, amount int64) error {
	if userID == "" {
		return errs.Validation("invalid_user", op, "user_id is required")
	}
	if !resource.Valid() {
		return errs.Validation("invalid_resource_type", op, "unknown resource type "+string(resource))
	}
	if amount < 0 {
		return errs.Validation("invalid_amount", op, "amount must not be negative")
	}
	return nil
}
