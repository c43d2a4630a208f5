package bootstrap

import (
	"time"

	"github.com/artpar/usagegate/adapters/cache"
	"github.com/artpar/usagegate/app"
	"github.com/artpar/usagegate/config"
	"github.com/artpar/usagegate/domain/abuse"
	"github.com/artpar/usagegate/domain/health"
	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/domain/ratelimit"
	"github.com/artpar/usagegate/domain/webhook"
)

// Translations from file configuration to the services' own config types.
// Config validation has already run, so these never fail.

func quotaSettings(c *config.Config) app.QuotaConfig {
	policy := app.FailClosed
	if c.Quota.FailOpen {
		policy = app.FailOpen
	}
	return app.QuotaConfig{StoreTimeout: c.Quota.StoreTimeout, Policy: policy}
}

func rateLimitSettings(c *config.Config) app.RateLimitConfig {
	window := func(limit int) ratelimit.Config {
		return ratelimit.Config{
			Limit:       limit,
			Window:      c.RateLimit.Window,
			BackoffBase: time.Duration(c.RateLimit.BackoffBaseSeconds) * time.Second,
			BackoffCap:  time.Duration(c.RateLimit.MaxBackoffMinutes) * time.Minute,
		}
	}

	policy := app.FailOpen
	if c.RateLimit.FailClosed {
		policy = app.FailClosed
	}

	patterns := make([]abuse.Pattern, 0, len(c.Abuse.ReviewPatterns))
	for _, p := range c.Abuse.ReviewPatterns {
		patterns = append(patterns, abuse.Pattern(p))
	}

	return app.RateLimitConfig{
		Conversion: window(c.RateLimit.ConversionsPerMinute),
		General:    window(c.RateLimit.IPRequestsPerMinute),
		Abuse: abuse.Thresholds{
			DistinctIPs:        c.Abuse.DistinctIPThreshold,
			Activity:           c.Abuse.SuspiciousActivityThreshold,
			Window:             time.Duration(c.Abuse.DetectionWindowHours) * time.Hour,
			SuspensionDuration: time.Duration(c.Abuse.SuspensionHours) * time.Hour,
			ReviewPatterns:     patterns,
		},
		StoreTimeout: c.RateLimit.StoreTimeout,
		Policy:       policy,
	}
}

func retryPolicy(c *config.Config) webhook.RetryPolicy {
	return webhook.RetryPolicy{
		MaxAttempts: c.Webhook.MaxAttempts,
		BaseDelay:   c.Webhook.RetryBase,
		MaxDelay:    c.Webhook.RetryMax,
	}
}

func webhookSettings(c *config.Config) app.WebhookConfig {
	return app.WebhookConfig{
		Secret:         c.Webhook.Secret,
		Tolerance:      c.Webhook.Tolerance,
		Retry:          retryPolicy(c),
		HandlerTimeout: c.Webhook.HandlerTimeout,
		BatchSize:      c.Webhook.BatchSize,
	}
}

func healthSettings(c *config.Config) app.HealthConfig {
	h := c.Health
	return app.HealthConfig{
		Thresholds: health.Thresholds{
			SuccessWarning:    h.SuccessWarning,
			SuccessCritical:   h.SuccessCritical,
			DeadLetterWarning: h.DeadLetterWarning,
			DeadLetterCrit:    h.DeadLetterCritical,
			BacklogWarning:    h.BacklogWarning,
			BacklogCritical:   h.BacklogCritical,
			LatencyWarning:    h.LatencyWarning,
		},
		Retry:        retryPolicy(c),
		StoreTimeout: app.DefaultHealthConfig().StoreTimeout,
	}
}

func cacheSettings(c *config.Config) cache.Config {
	return cache.Config{
		PlanTTL:  c.Cache.PlanTTL,
		UsageTTL: c.Cache.UsageTTL,
		Capacity: c.Cache.Capacity,
	}
}

// planLimits returns the built-in tiers with configured overrides applied.
func planLimits(c *config.Config) []plan.Limits {
	limits := plan.Defaults()
	for _, p := range c.Plans {
		for i := range limits {
			if string(limits[i].Tier) != p.Tier {
				continue
			}
			limits[i] = plan.Limits{
				Tier:                limits[i].Tier,
				StorageBytes:        overrideLimit(p.StorageBytes, limits[i].StorageBytes),
				ConversionsPerMonth: overrideLimit(p.ConversionsPerMonth, limits[i].ConversionsPerMonth),
				APICallsPerMonth:    overrideLimit(p.APICallsPerMonth, limits[i].APICallsPerMonth),
				MaxFileSizeBytes:    overrideLimit(p.MaxFileSizeBytes, limits[i].MaxFileSizeBytes),
			}
		}
	}
	return limits
}

// overrideLimit keeps the default for an omitted (zero) field.
func overrideLimit(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}

func priceTiers(c *config.Config) map[string]plan.Tier {
	out := make(map[string]plan.Tier, len(c.Billing.PriceTiers))
	for price, tier := range c.Billing.PriceTiers {
		out[price] = plan.Tier(tier)
	}
	return out
}
