package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/usagegate/adapters/cache"
	"github.com/artpar/usagegate/adapters/clock"
	"github.com/artpar/usagegate/adapters/memory"
	"github.com/artpar/usagegate/app"
	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/domain/quota"
	"github.com/artpar/usagegate/domain/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type guardFixture struct {
	clock *clock.Fake
	guard *app.ActionGuard
	usage *memory.UsageStore
	rate  *app.RateLimitService
}

func newGuardFixture(t *testing.T) *guardFixture {
	t.Helper()
	clk := newTestClock()
	c := cache.New(cache.DefaultConfig())
	t.Cleanup(c.Stop)

	f := &guardFixture{clock: clk, usage: memory.NewUsageStore(4)}
	q := app.NewQuotaService(app.QuotaDeps{
		Usage:         f.usage,
		Plans:         seededPlans(),
		Subscriptions: memory.NewSubscriptionStore(),
		Cache:         c,
		Clock:         clk,
		Logger:        testLogger(),
	}, app.DefaultQuotaConfig())
	f.rate = app.NewRateLimitService(app.RateLimitDeps{
		Records:     memory.NewRateLimitStore(4),
		Suspensions: memory.NewSuspensionStore(),
		Clock:       clk,
		Logger:      testLogger(),
	}, app.DefaultRateLimitConfig())
	f.guard = app.NewActionGuard(f.rate, q, testLogger())
	return f
}

func (f *guardFixture) conversions(t *testing.T) int64 {
	t.Helper()
	v, err := f.usage.Get(context.Background(), quota.KeyFor("u1", plan.ResourceConversions, testStart))
	require.NoError(t, err)
	return v
}

func TestGuard_SuccessfulOperationIsCharged(t *testing.T) {
	f := newGuardFixture(t)
	ran := false

	v, err := f.guard.Run(context.Background(), app.Action{UserID: "u1", IP: "10.0.0.1", Resource: plan.ResourceConversions, Amount: 1},
		func(ctx context.Context) error { ran = true; return nil })
	require.NoError(t, err)
	assert.True(t, v.Allowed())
	assert.True(t, v.Ran)
	assert.True(t, ran)
	assert.Equal(t, int64(1), f.conversions(t))
}

func TestGuard_FailedOperationIsRolledBack(t *testing.T) {
	f := newGuardFixture(t)
	opErr := errors.New("converter crashed")

	v, err := f.guard.Run(context.Background(), app.Action{UserID: "u1", IP: "10.0.0.1", Resource: plan.ResourceConversions, Amount: 1},
		func(ctx context.Context) error { return opErr })
	assert.ErrorIs(t, err, opErr)
	assert.True(t, v.Ran)
	assert.Equal(t, int64(0), f.conversions(t))
}

func TestGuard_RollbackAfterMonthBoundaryReleasesReservedPeriod(t *testing.T) {
	ctx := context.Background()
	f := newGuardFixture(t)
	f.clock.Set(time.Date(2024, 3, 31, 23, 59, 0, 0, time.UTC))
	march := quota.KeyFor("u1", plan.ResourceConversions, f.clock.Now())
	april := quota.KeyFor("u1", plan.ResourceConversions, f.clock.Now().Add(time.Hour))
	_, ok, err := f.usage.Reserve(ctx, april, 3, 100, quota.PeriodBounds(april.PeriodStart).End)
	require.NoError(t, err)
	require.True(t, ok)
	opErr := errors.New("converter timed out")

	v, err := f.guard.Run(ctx, app.Action{UserID: "u1", IP: "10.0.0.1", Resource: plan.ResourceConversions, Amount: 1},
		func(ctx context.Context) error {
			f.clock.Advance(5 * time.Minute)
			return opErr
		})
	assert.ErrorIs(t, err, opErr)
	assert.Equal(t, march, v.Quota.Key)

	got, err := f.usage.Get(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)

	got, err = f.usage.Get(ctx, april)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
}

func TestGuard_QuotaDenialSkipsOperation(t *testing.T) {
	f := newGuardFixture(t)
	ctx := context.Background()
	a := app.Action{UserID: "u1", IP: "10.0.0.1", Resource: plan.ResourceConversions, Amount: 1}

	key := quota.KeyFor("u1", plan.ResourceConversions, testStart)
	_, ok, err := f.usage.Reserve(ctx, key, 10, 10, quota.PeriodBounds(testStart).End)
	require.NoError(t, err)
	require.True(t, ok)

	ran := false
	v, err := f.guard.Run(ctx, a, func(ctx context.Context) error { ran = true; return nil })
	require.NoError(t, err)
	assert.False(t, v.Allowed())
	assert.True(t, v.RateLimit.Allowed)
	assert.False(t, v.Quota.Allowed)
	assert.False(t, ran)
}

func TestGuard_RateLimitDenialSkipsQuota(t *testing.T) {
	f := newGuardFixture(t)
	ctx := context.Background()
	a := app.Action{UserID: "u1", IP: "10.0.0.1", Resource: plan.ResourceAPICalls, Amount: 1}

	for i := 0; i < 120; i++ {
		_, err := f.rate.CheckRateLimit(ctx, app.RequestFor(a))
		require.NoError(t, err)
	}

	v, err := f.guard.Run(ctx, a, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, v.RateLimit.Allowed)
	assert.False(t, v.Ran)
	assert.Equal(t, quota.Decision{}, v.Quota)
}

func TestRequestFor(t *testing.T) {
	req := app.RequestFor(app.Action{UserID: "u1", IP: "10.0.0.1", Resource: plan.ResourceConversions})
	assert.Equal(t, ratelimit.UserIdentifier("u1"), req.Identifier)
	assert.Equal(t, ratelimit.ClassConversion, req.Class)

	req = app.RequestFor(app.Action{UserID: "u1", IP: "10.0.0.1", Resource: plan.ResourceAPICalls})
	assert.Equal(t, ratelimit.IPIdentifier("10.0.0.1"), req.Identifier)
	assert.Equal(t, ratelimit.ClassGeneral, req.Class)
}
