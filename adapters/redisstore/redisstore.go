// Package redisstore implements the rate limit record store on Redis sorted
// sets so that every replica shares one sliding window per identifier.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/usagegate/domain/ratelimit"
	"github.com/artpar/usagegate/ports"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "usagegate:ratelimit"

// recordScript appends one record and the caller IP atomically. Keys share
// a hash tag so the script stays on one cluster slot.
var recordScript = redis.NewScript(`
local seq = redis.call("INCR", KEYS[3])
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[1] .. "-" .. seq)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
redis.call("PEXPIRE", KEYS[3], ARGV[3])
if ARGV[2] ~= "" then
  redis.call("ZADD", KEYS[2], ARGV[1], ARGV[2])
  redis.call("PEXPIRE", KEYS[2], ARGV[3])
end
return seq
`)

// Dial parses a redis:// URL and verifies the server answers.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RateLimitStore implements ports.RateLimitStore.
type RateLimitStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRateLimitStore creates a store. An empty prefix uses DefaultPrefix.
func NewRateLimitStore(client redis.UniversalClient, prefix string) *RateLimitStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RateLimitStore{client: client, prefix: prefix}
}

func (s *RateLimitStore) recordsKey(id ratelimit.Identifier, class ratelimit.Class) string {
	return fmt.Sprintf("%s:{%s}:%s", s.prefix, id, class)
}

func (s *RateLimitStore) ipsKey(id ratelimit.Identifier) string {
	return fmt.Sprintf("%s:{%s}:ips", s.prefix, id)
}

func (s *RateLimitStore) seqKey(id ratelimit.Identifier) string {
	return fmt.Sprintf("%s:{%s}:seq", s.prefix, id)
}

func (s *RateLimitStore) registryKey() string {
	return s.prefix + ":identifiers"
}

// ipRecordsKey holds every record made from one client IP. It lives in its
// own hash slot, so it is written outside recordScript.
func (s *RateLimitStore) ipRecordsKey(ip string) string {
	return fmt.Sprintf("%s:{addr:%s}:requests", s.prefix, ip)
}

func (s *RateLimitStore) ipRegistryKey() string {
	return s.prefix + ":addrs"
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Record appends one request record.
func (s *RateLimitStore) Record(ctx context.Context, r ratelimit.Record) error {
	keys := []string{s.recordsKey(r.Identifier, r.Class), s.ipsKey(r.Identifier), s.seqKey(r.Identifier)}
	seq, err := recordScript.Run(ctx, s.client, keys, r.At.UnixMilli(), r.IP, ratelimit.Retention.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("record rate limit hit: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.registryKey(), string(r.Identifier))
	if r.IP != "" {
		key := s.ipRecordsKey(r.IP)
		member := fmt.Sprintf("%d-%s-%d", r.At.UnixMilli(), r.Identifier, seq)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(r.At.UnixMilli()), Member: member})
		pipe.PExpire(ctx, key, ratelimit.Retention)
		pipe.SAdd(ctx, s.ipRegistryKey(), r.IP)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index rate limit hit: %w", err)
	}
	return nil
}

// Window returns the count and oldest record for one class since the given time.
func (s *RateLimitStore) Window(ctx context.Context, id ratelimit.Identifier, class ratelimit.Class, since time.Time) (ratelimit.WindowState, error) {
	key := s.recordsKey(id, class)
	from := score(since)

	pipe := s.client.Pipeline()
	count := pipe.ZCount(ctx, key, from, "+inf")
	oldest := pipe.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: from, Max: "+inf", Offset: 0, Count: 1})
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return ratelimit.WindowState{}, fmt.Errorf("read rate limit window: %w", err)
	}

	state := ratelimit.WindowState{Count: int(count.Val())}
	if z := oldest.Val(); len(z) > 0 {
		state.Oldest = time.UnixMilli(int64(z[0].Score)).UTC()
	}
	return state, nil
}

// Count returns records since the given time, across classes when class is empty.
func (s *RateLimitStore) Count(ctx context.Context, id ratelimit.Identifier, class ratelimit.Class, since time.Time) (int, error) {
	classes := []ratelimit.Class{class}
	if class == "" {
		classes = []ratelimit.Class{ratelimit.ClassConversion, ratelimit.ClassGeneral}
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(classes))
	for _, c := range classes {
		cmds = append(cmds, pipe.ZCount(ctx, s.recordsKey(id, c), score(since), "+inf"))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("count rate limit records: %w", err)
	}

	total := 0
	for _, cmd := range cmds {
		total += int(cmd.Val())
	}
	return total, nil
}

// WindowByIP returns the count and oldest record made from ip since the given time.
func (s *RateLimitStore) WindowByIP(ctx context.Context, ip string, since time.Time) (ratelimit.WindowState, error) {
	key := s.ipRecordsKey(ip)
	from := score(since)

	pipe := s.client.Pipeline()
	count := pipe.ZCount(ctx, key, from, "+inf")
	oldest := pipe.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: from, Max: "+inf", Offset: 0, Count: 1})
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return ratelimit.WindowState{}, fmt.Errorf("read ip window: %w", err)
	}

	state := ratelimit.WindowState{Count: int(count.Val())}
	if z := oldest.Val(); len(z) > 0 {
		state.Oldest = time.UnixMilli(int64(z[0].Score)).UTC()
	}
	return state, nil
}

// CountByIP returns the number of records made from ip since the given time.
func (s *RateLimitStore) CountByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.ipRecordsKey(ip), score(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count ip records: %w", err)
	}
	return int(n), nil
}

// DistinctIPs returns how many IPs the identifier was seen from since the given time.
func (s *RateLimitStore) DistinctIPs(ctx context.Context, id ratelimit.Identifier, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.ipsKey(id), score(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count distinct ips: %w", err)
	}
	return int(n), nil
}

// DeleteBefore trims records older than t. Keys also expire on their own
// after the retention period; this keeps long-lived busy keys small.
func (s *RateLimitStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, s.registryKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list identifiers: %w", err)
	}

	upto := "(" + score(t)
	var removed int64
	for _, raw := range ids {
		id := ratelimit.Identifier(raw)
		conv := s.recordsKey(id, ratelimit.ClassConversion)
		gen := s.recordsKey(id, ratelimit.ClassGeneral)
		ips := s.ipsKey(id)

		pipe := s.client.Pipeline()
		convCmd := pipe.ZRemRangeByScore(ctx, conv, "-inf", upto)
		genCmd := pipe.ZRemRangeByScore(ctx, gen, "-inf", upto)
		pipe.ZRemRangeByScore(ctx, ips, "-inf", upto)
		exists := pipe.Exists(ctx, conv, gen, ips)
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return removed, fmt.Errorf("trim %s: %w", id, err)
		}
		removed += convCmd.Val() + genCmd.Val()

		if exists.Val() == 0 {
			if err := s.client.SRem(ctx, s.registryKey(), raw).Err(); err != nil {
				return removed, fmt.Errorf("unregister %s: %w", id, err)
			}
		}
	}

	addrs, err := s.client.SMembers(ctx, s.ipRegistryKey()).Result()
	if err != nil {
		return removed, fmt.Errorf("list addrs: %w", err)
	}
	for _, ip := range addrs {
		key := s.ipRecordsKey(ip)
		pipe := s.client.Pipeline()
		pipe.ZRemRangeByScore(ctx, key, "-inf", upto)
		exists := pipe.Exists(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return removed, fmt.Errorf("trim %s: %w", ip, err)
		}
		if exists.Val() == 0 {
			if err := s.client.SRem(ctx, s.ipRegistryKey(), ip).Err(); err != nil {
				return removed, fmt.Errorf("unregister %s: %w", ip, err)
			}
		}
	}
	return removed, nil
}

// Ping reports whether Redis is reachable.
func (s *RateLimitStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Ensure interface compliance.
var _ ports.RateLimitStore = (*RateLimitStore)(nil)
