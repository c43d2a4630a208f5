// Package cache provides the per-process TTL cache for plan limits and
// observed usage. Entries are hints; the ledger stays authoritative.
package cache

import (
	"context"
	"time"

	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/domain/quota"
	"github.com/artpar/usagegate/ports"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

// Config sizes the cache.
type Config struct {
	PlanTTL  time.Duration
	UsageTTL time.Duration
	Capacity uint64
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PlanTTL:  5 * time.Minute,
		UsageTTL: 30 * time.Second,
		Capacity: 10000,
	}
}

// Cache implements ports.Cache with jellydator/ttlcache.
type Cache struct {
	limits *ttlcache.Cache[string, plan.Limits]
	usage  *ttlcache.Cache[string, int64]
	group  singleflight.Group
}

// New creates a cache and starts its expiry loops. Call Stop when done.
func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.PlanTTL <= 0 {
		cfg.PlanTTL = def.PlanTTL
	}
	if cfg.UsageTTL <= 0 {
		cfg.UsageTTL = def.UsageTTL
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = def.Capacity
	}

	c := &Cache{
		limits: ttlcache.New[string, plan.Limits](
			ttlcache.WithTTL[string, plan.Limits](cfg.PlanTTL),
			ttlcache.WithCapacity[string, plan.Limits](cfg.Capacity),
			ttlcache.WithDisableTouchOnHit[string, plan.Limits](),
		),
		usage: ttlcache.New[string, int64](
			ttlcache.WithTTL[string, int64](cfg.UsageTTL),
			ttlcache.WithCapacity[string, int64](cfg.Capacity),
			ttlcache.WithDisableTouchOnHit[string, int64](),
		),
	}
	go c.limits.Start()
	go c.usage.Start()
	return c
}

// Stop halts the expiry loops.
func (c *Cache) Stop() {
	c.limits.Stop()
	c.usage.Stop()
}

// Limits returns cached limits or loads them once for all concurrent callers.
func (c *Cache) Limits(ctx context.Context, userID string, load ports.LimitsLoader) (plan.Limits, error) {
	if item := c.limits.Get(userID); item != nil {
		return item.Value(), nil
	}

	v, err, _ := c.group.Do(userID, func() (any, error) {
		l, err := load(ctx)
		if err != nil {
			return plan.Limits{}, err
		}
		c.limits.Set(userID, l, ttlcache.DefaultTTL)
		return l, nil
	})
	if err != nil {
		return plan.Limits{}, err
	}
	return v.(plan.Limits), nil
}

// InvalidateLimits drops a user's cached limits.
func (c *Cache) InvalidateLimits(userID string) {
	c.limits.Delete(userID)
	c.group.Forget(userID)
}

// Usage returns a recently observed counter value.
func (c *Cache) Usage(key quota.Key) (int64, bool) {
	item := c.usage.Get(key.String())
	if item == nil {
		return 0, false
	}
	return item.Value(), true
}

// StoreUsage records a counter value read from the ledger.
func (c *Cache) StoreUsage(key quota.Key, value int64) {
	c.usage.Set(key.String(), value, ttlcache.DefaultTTL)
}

// InvalidateUsage drops a cached counter value.
func (c *Cache) InvalidateUsage(key quota.Key) {
	c.usage.Delete(key.String())
}

// Len returns the number of cached limit and usage entries.
func (c *Cache) Len() (limits, usage int) {
	return c.limits.Len(), c.usage.Len()
}

// Ensure interface compliance.
var _ ports.Cache = (*Cache)(nil)
