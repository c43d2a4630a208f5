package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/usagegate/adapters/cache"
	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/domain/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, cfg cache.Config) *cache.Cache {
	t.Helper()
	c := cache.New(cfg)
	t.Cleanup(c.Stop)
	return c
}

func TestLimits_LoadsOnceAndCaches(t *testing.T) {
	c := newCache(t, cache.DefaultConfig())
	var loads atomic.Int32
	load := func(context.Context) (plan.Limits, error) {
		loads.Add(1)
		return plan.Limits{Tier: plan.TierPro, ConversionsPerMonth: 1000}, nil
	}

	for i := 0; i < 3; i++ {
		l, err := c.Limits(context.Background(), "u1", load)
		require.NoError(t, err)
		assert.Equal(t, plan.TierPro, l.Tier)
	}
	assert.Equal(t, int32(1), loads.Load())

	c.InvalidateLimits("u1")
	_, err := c.Limits(context.Background(), "u1", load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
}

func TestLimits_ConcurrentMissesShareLoad(t *testing.T) {
	c := newCache(t, cache.DefaultConfig())
	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (plan.Limits, error) {
		loads.Add(1)
		<-release
		return plan.Limits{Tier: plan.TierFree}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Limits(context.Background(), "u1", load)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
}

func TestLimits_ErrorNotCached(t *testing.T) {
	c := newCache(t, cache.DefaultConfig())
	boom := errors.New("db down")
	_, err := c.Limits(context.Background(), "u1", func(context.Context) (plan.Limits, error) {
		return plan.Limits{}, boom
	})
	assert.ErrorIs(t, err, boom)

	l, err := c.Limits(context.Background(), "u1", func(context.Context) (plan.Limits, error) {
		return plan.Limits{Tier: plan.TierAgency}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, plan.TierAgency, l.Tier)
}

func TestLimits_Expire(t *testing.T) {
	c := newCache(t, cache.Config{PlanTTL: 20 * time.Millisecond})
	var loads atomic.Int32
	load := func(context.Context) (plan.Limits, error) {
		loads.Add(1)
		return plan.Limits{Tier: plan.TierFree}, nil
	}

	c.Limits(context.Background(), "u1", load)
	time.Sleep(50 * time.Millisecond)
	c.Limits(context.Background(), "u1", load)
	assert.Equal(t, int32(2), loads.Load())
}

func TestUsage(t *testing.T) {
	c := newCache(t, cache.DefaultConfig())
	key := quota.KeyFor("u1", plan.ResourceConversions, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))

	_, ok := c.Usage(key)
	assert.False(t, ok)

	c.StoreUsage(key, 7)
	v, ok := c.Usage(key)
	assert.True(t, ok)
	assert.Equal(t, int64(7), v)

	c.InvalidateUsage(key)
	_, ok = c.Usage(key)
	assert.False(t, ok)
}
