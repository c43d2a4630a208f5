// Package memory provides in-memory implementations of the ledger ports.
// They are used in tests and single-process development mode; state is lost
// on restart.
package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/artpar/usagegate/domain/quota"
	"github.com/artpar/usagegate/ports"
)

type counter struct {
	value     int64
	periodEnd time.Time
}

// usageShard is a single shard of the usage store.
type usageShard struct {
	mu       sync.Mutex
	counters map[quota.Key]counter
}

// UsageStore is a sharded in-memory implementation of ports.UsageStore.
// Reserve runs under the shard lock, which makes check and increment a
// single step for a key.
type UsageStore struct {
	shards []*usageShard
}

// NewUsageStore creates a store with numShards shards (default 32).
func NewUsageStore(numShards int) *UsageStore {
	if numShards <= 0 {
		numShards = 32
	}
	s := &UsageStore{shards: make([]*usageShard, numShards)}
	for i := range s.shards {
		s.shards[i] = &usageShard{counters: make(map[quota.Key]counter)}
	}
	return s
}

// getShard returns the shard for a given key using consistent hashing.
func (s *UsageStore) getShard(k quota.Key) *usageShard {
	h := fnv.New32a()
	h.Write([]byte(k.String()))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Reserve adds amount when it fits under limit.
func (s *UsageStore) Reserve(ctx context.Context, k quota.Key, amount, limit int64, periodEnd time.Time) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	shard := s.getShard(k)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	c := shard.counters[k]
	if limit >= 0 && c.value+amount > limit {
		return c.value, false, nil
	}
	c.value += amount
	c.periodEnd = periodEnd
	shard.counters[k] = c
	return c.value, true, nil
}

// Release subtracts amount, clamping at zero.
func (s *UsageStore) Release(ctx context.Context, k quota.Key, amount int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	shard := s.getShard(k)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	c, ok := shard.counters[k]
	if !ok {
		return 0, nil
	}
	c.value -= amount
	if c.value < 0 {
		c.value = 0
	}
	shard.counters[k] = c
	return c.value, nil
}

// Get returns the counter value.
func (s *UsageStore) Get(ctx context.Context, k quota.Key) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	shard := s.getShard(k)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.counters[k].value, nil
}

// Reset zeroes the counter.
func (s *UsageStore) Reset(ctx context.Context, k quota.Key) error {
	shard := s.getShard(k)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if c, ok := shard.counters[k]; ok {
		c.value = 0
		shard.counters[k] = c
	}
	return nil
}

// DeleteExpired drops counters whose period ended at or before t.
func (s *UsageStore) DeleteExpired(ctx context.Context, t time.Time) (int64, error) {
	var n int64
	for _, shard := range s.shards {
		shard.mu.Lock()
		for k, c := range shard.counters {
			if !c.periodEnd.After(t) {
				delete(shard.counters, k)
				n++
			}
		}
		shard.mu.Unlock()
	}
	return n, nil
}

// Len returns the number of counters (for testing).
func (s *UsageStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += len(shard.counters)
		shard.mu.Unlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
