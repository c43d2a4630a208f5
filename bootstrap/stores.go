package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/usagegate/adapters/memory"
	"github.com/artpar/usagegate/adapters/redisstore"
	"github.com/artpar/usagegate/adapters/sqlstore"
	"github.com/artpar/usagegate/config"
	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/ports"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const memoryShards = 32

// Stores holds the ledger implementations selected by configuration.
type Stores struct {
	Usage         ports.UsageStore
	Plans         ports.PlanStore
	Subscriptions ports.SubscriptionStore
	RateLimits    ports.RateLimitStore
	Suspensions   ports.SuspensionStore
	Events        ports.WebhookEventStore

	db    *sqlstore.DB
	redis *redis.Client
}

// OpenStores opens the configured ledger, runs migrations and seeds plan
// limits. Sliding-window records move to Redis when redis.url is set.
func OpenStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Stores, error) {
	s := &Stores{}

	switch cfg.Storage.Driver {
	case "memory":
		s.Usage = memory.NewUsageStore(memoryShards)
		s.Plans = memory.NewPlanStore(nil)
		s.Subscriptions = memory.NewSubscriptionStore()
		s.RateLimits = memory.NewRateLimitStore(memoryShards)
		s.Suspensions = memory.NewSuspensionStore()
		s.Events = memory.NewWebhookEventStore()
		logger.Warn().Msg("using in-memory storage, state is lost on restart")

	default:
		db, err := sqlstore.Open(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Storage.Driver, err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		s.db = db
		s.Usage = sqlstore.NewUsageStore(db)
		s.Plans = sqlstore.NewPlanStore(db)
		s.Subscriptions = sqlstore.NewSubscriptionStore(db)
		s.RateLimits = sqlstore.NewRateLimitStore(db)
		s.Suspensions = sqlstore.NewSuspensionStore(db)
		s.Events = sqlstore.NewWebhookEventStore(db)
		logger.Info().Str("driver", cfg.Storage.Driver).Msg("ledger opened")
	}

	if cfg.Redis.URL != "" {
		client, err := redisstore.Dial(ctx, cfg.Redis.URL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.redis = client
		s.RateLimits = redisstore.NewRateLimitStore(client, cfg.Redis.Prefix)
		logger.Info().Str("prefix", cfg.Redis.Prefix).Msg("rate limit records stored in redis")
	}

	if err := s.SeedPlans(ctx, planLimits(cfg)); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// SeedPlans upserts every tier's limits.
func (s *Stores) SeedPlans(ctx context.Context, limits []plan.Limits) error {
	for _, l := range limits {
		if err := s.Plans.Upsert(ctx, l); err != nil {
			return fmt.Errorf("seed plan %s: %w", l.Tier, err)
		}
	}
	return nil
}

// Ping checks every remote backend.
func (s *Stores) Ping(ctx context.Context) error {
	var errs []error
	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases backend connections.
func (s *Stores) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}
