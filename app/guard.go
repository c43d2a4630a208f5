package app

import (
	"context"

	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/domain/quota"
	"github.com/artpar/usagegate/domain/ratelimit"
	"github.com/rs/zerolog"
)

// RateLimiter decides whether a request may proceed.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, req ratelimit.Request) (ratelimit.Result, error)
}

// QuotaEnforcer reserves and releases metered usage.
type QuotaEnforcer interface {
	CheckAndReserve(ctx context.Context, userID string, resource plan.Resource, amount int64) (quota.Decision, error)
	Release(ctx context.Context, key quota.Key, amount int64) error
}

// Action is a metered user action.
type Action struct {
	UserID   string
	IP       string
	Resource plan.Resource
	Amount   int64
}

// Verdict reports how far an action got through the guard.
type Verdict struct {
	RateLimit ratelimit.Result
	Quota     quota.Decision
	Ran       bool // The operation was invoked
}

// Allowed reports whether both checks passed.
func (v Verdict) Allowed() bool {
	return v.RateLimit.Allowed && v.Quota.Allowed
}

// ActionGuard runs an operation behind the rate limiter and quota enforcer.
// Usage reserved for an operation that fails is released again.
type ActionGuard struct {
	limiter RateLimiter
	quota   QuotaEnforcer
	logger  zerolog.Logger
}

// NewActionGuard creates a new action guard.
func NewActionGuard(limiter RateLimiter, q QuotaEnforcer, logger zerolog.Logger) *ActionGuard {
	return &ActionGuard{limiter: limiter, quota: q, logger: logger}
}

// Run checks the rate limit, reserves quota, runs op and rolls the
// reservation back if op fails. A denial is reported in the verdict, not as
// an error; the returned error is op's error or a check failure.
func (g *ActionGuard) Run(ctx context.Context, a Action, op func(ctx context.Context) error) (Verdict, error) {
	var v Verdict

	req := RequestFor(a)
	rl, err := g.limiter.CheckRateLimit(ctx, req)
	v.RateLimit = rl
	if err != nil || !rl.Allowed {
		return v, err
	}

	d, err := g.quota.CheckAndReserve(ctx, a.UserID, a.Resource, a.Amount)
	v.Quota = d
	if err != nil || !d.Allowed {
		return v, err
	}

	v.Ran = true
	opErr := op(ctx)
	if opErr == nil || !d.Reserved() {
		return v, opErr
	}

	// Released against the reserved key, even if the period rolled over
	// while op ran. A failed release leaves the reservation charged; the op
	// error wins.
	if err := g.quota.Release(context.WithoutCancel(ctx), d.Key, a.Amount); err != nil {
		g.logger.Error().Err(err).
			Str("user_id", a.UserID).
			Str("resource", string(a.Resource)).
			Int64("amount", a.Amount).
			Msg("rollback after failed operation did not apply")
	}
	return v, opErr
}

// RequestFor picks the rate-limit identifier for an action: conversions are
// limited per user, everything else per IP.
func RequestFor(a Action) ratelimit.Request {
	if a.Resource == plan.ResourceConversions && a.UserID != "" {
		return ratelimit.Request{
			Identifier: ratelimit.UserIdentifier(a.UserID),
			Class:      ratelimit.ClassConversion,
			UserID:     a.UserID,
			IP:         a.IP,
		}
	}
	return ratelimit.Request{
		Identifier: ratelimit.IPIdentifier(a.IP),
		Class:      ratelimit.ClassGeneral,
		UserID:     a.UserID,
		IP:         a.IP,
	}
}

