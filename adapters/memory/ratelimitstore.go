package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/artpar/usagegate/domain/ratelimit"
	"github.com/artpar/usagegate/ports"
)

// rateLimitShard is a single shard of the rate limit store.
type rateLimitShard struct {
	mu      sync.RWMutex
	records map[ratelimit.Identifier][]ratelimit.Record // Ordered by time
}

// ipShard indexes record times by client IP across identifiers.
type ipShard struct {
	mu    sync.RWMutex
	times map[string][]time.Time // Ordered
}

// RateLimitStore is a sharded in-memory implementation of ports.RateLimitStore.
type RateLimitStore struct {
	shards   []*rateLimitShard
	ipShards []*ipShard
}

// NewRateLimitStore creates a store with numShards shards (default 32).
func NewRateLimitStore(numShards int) *RateLimitStore {
	if numShards <= 0 {
		numShards = 32
	}
	s := &RateLimitStore{
		shards:   make([]*rateLimitShard, numShards),
		ipShards: make([]*ipShard, numShards),
	}
	for i := range s.shards {
		s.shards[i] = &rateLimitShard{records: make(map[ratelimit.Identifier][]ratelimit.Record)}
		s.ipShards[i] = &ipShard{times: make(map[string][]time.Time)}
	}
	return s
}

func shardIndex(key string, n int) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % uint32(n)
}

func (s *RateLimitStore) getShard(id ratelimit.Identifier) *rateLimitShard {
	return s.shards[shardIndex(string(id), len(s.shards))]
}

func (s *RateLimitStore) getIPShard(ip string) *ipShard {
	return s.ipShards[shardIndex(ip, len(s.ipShards))]
}

// Record appends a record, keeping the slice ordered by time.
func (s *RateLimitStore) Record(ctx context.Context, r ratelimit.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	shard := s.getShard(r.Identifier)
	shard.mu.Lock()
	recs := shard.records[r.Identifier]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].At.After(r.At) })
	recs = append(recs, ratelimit.Record{})
	copy(recs[i+1:], recs[i:])
	recs[i] = r
	shard.records[r.Identifier] = recs
	shard.mu.Unlock()

	if r.IP != "" {
		ipsh := s.getIPShard(r.IP)
		ipsh.mu.Lock()
		times := ipsh.times[r.IP]
		j := sort.Search(len(times), func(j int) bool { return times[j].After(r.At) })
		times = append(times, time.Time{})
		copy(times[j+1:], times[j:])
		times[j] = r.At
		ipsh.times[r.IP] = times
		ipsh.mu.Unlock()
	}
	return nil
}

// Window returns the count and oldest record since the given time.
func (s *RateLimitStore) Window(ctx context.Context, id ratelimit.Identifier, class ratelimit.Class, since time.Time) (ratelimit.WindowState, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.WindowState{}, err
	}
	shard := s.getShard(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	var state ratelimit.WindowState
	for _, r := range shard.records[id] {
		if r.At.Before(since) || (class != "" && r.Class != class) {
			continue
		}
		if state.Count == 0 {
			state.Oldest = r.At
		}
		state.Count++
	}
	return state, nil
}

// Count returns the number of records since the given time.
func (s *RateLimitStore) Count(ctx context.Context, id ratelimit.Identifier, class ratelimit.Class, since time.Time) (int, error) {
	state, err := s.Window(ctx, id, class, since)
	return state.Count, err
}

// WindowByIP returns the count and oldest record made from ip since the given time.
func (s *RateLimitStore) WindowByIP(ctx context.Context, ip string, since time.Time) (ratelimit.WindowState, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.WindowState{}, err
	}
	ipsh := s.getIPShard(ip)
	ipsh.mu.RLock()
	defer ipsh.mu.RUnlock()

	times := ipsh.times[ip]
	i := sort.Search(len(times), func(i int) bool { return !times[i].Before(since) })
	state := ratelimit.WindowState{Count: len(times) - i}
	if state.Count > 0 {
		state.Oldest = times[i]
	}
	return state, nil
}

// CountByIP returns the number of records made from ip since the given time.
func (s *RateLimitStore) CountByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	state, err := s.WindowByIP(ctx, ip, since)
	return state.Count, err
}

// DistinctIPs returns how many IPs the identifier used since the given time.
func (s *RateLimitStore) DistinctIPs(ctx context.Context, id ratelimit.Identifier, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	shard := s.getShard(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	ips := make(map[string]struct{})
	for _, r := range shard.records[id] {
		if !r.At.Before(since) && r.IP != "" {
			ips[r.IP] = struct{}{}
		}
	}
	return len(ips), nil
}

// DeleteBefore removes records older than t.
func (s *RateLimitStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	var n int64
	for _, shard := range s.shards {
		shard.mu.Lock()
		for id, recs := range shard.records {
			i := sort.Search(len(recs), func(i int) bool { return !recs[i].At.Before(t) })
			if i == 0 {
				continue
			}
			n += int64(i)
			if i == len(recs) {
				delete(shard.records, id)
				continue
			}
			shard.records[id] = append([]ratelimit.Record(nil), recs[i:]...)
		}
		shard.mu.Unlock()
	}
	for _, ipsh := range s.ipShards {
		ipsh.mu.Lock()
		for ip, times := range ipsh.times {
			i := sort.Search(len(times), func(i int) bool { return !times[i].Before(t) })
			switch {
			case i == len(times):
				delete(ipsh.times, ip)
			case i > 0:
				ipsh.times[ip] = append([]time.Time(nil), times[i:]...)
			}
		}
		ipsh.mu.Unlock()
	}
	return n, nil
}

// Len returns the total number of records (for testing).
func (s *RateLimitStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, recs := range shard.records {
			total += len(recs)
		}
		shard.mu.RUnlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.RateLimitStore = (*RateLimitStore)(nil)
