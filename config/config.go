// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/usagegate/domain/ratelimit"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "USAGEGATE_"

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Abuse     AbuseConfig     `yaml:"abuse"`
	Quota     QuotaConfig     `yaml:"quota"`
	Cache     CacheConfig     `yaml:"cache"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Billing   BillingConfig   `yaml:"billing"`
	Health    HealthConfig    `yaml:"health"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Notify    NotifyConfig    `yaml:"notify"`
	Admin     AdminConfig     `yaml:"admin"`
	Plans     []PlanConfig    `yaml:"plans"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects the ledger store.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "postgres" or "memory"
	DSN    string `yaml:"dsn"`
}

// RedisConfig moves rate-limit records to Redis when URL is set.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// RateLimitConfig configures the sliding windows.
type RateLimitConfig struct {
	ConversionsPerMinute int           `yaml:"conversions_per_minute"`
	IPRequestsPerMinute  int           `yaml:"ip_requests_per_minute"`
	Window               time.Duration `yaml:"window"`
	BackoffBaseSeconds   int           `yaml:"backoff_base_seconds"`
	MaxBackoffMinutes    int           `yaml:"max_backoff_minutes"`
	FailClosed           bool          `yaml:"fail_closed"` // Deny when the store is unreachable
	StoreTimeout         time.Duration `yaml:"store_timeout"`
}

// AbuseConfig configures abuse detection.
type AbuseConfig struct {
	SuspiciousActivityThreshold int      `yaml:"suspicious_activity_threshold"` // Requests per IP per window
	DistinctIPThreshold         int      `yaml:"distinct_ip_threshold"`         // IPs per user per window
	DetectionWindowHours        int      `yaml:"detection_window_hours"`
	SuspensionHours             int      `yaml:"suspension_hours"`
	ReviewPatterns              []string `yaml:"review_patterns"` // Suspensions that need a manual lift
}

// QuotaConfig configures the quota enforcer.
type QuotaConfig struct {
	FailOpen     bool          `yaml:"fail_open"` // Allow when the store is unreachable
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// CacheConfig sizes the in-process cache.
type CacheConfig struct {
	PlanTTL  time.Duration `yaml:"plan_ttl"`
	UsageTTL time.Duration `yaml:"usage_ttl"`
	Capacity uint64        `yaml:"capacity"`
}

// WebhookConfig configures webhook intake and retries.
type WebhookConfig struct {
	Secret          string        `yaml:"secret"`
	SignatureHeader string        `yaml:"signature_header"`
	Tolerance       time.Duration `yaml:"tolerance"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBase       time.Duration `yaml:"retry_base"`
	RetryMax        time.Duration `yaml:"retry_max"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	RetryInterval   time.Duration `yaml:"retry_interval"` // Retry worker tick
	BatchSize       int           `yaml:"batch_size"`
}

// BillingConfig maps provider prices to plan tiers.
type BillingConfig struct {
	PriceTiers map[string]string `yaml:"price_tiers"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	Schedule           string        `yaml:"schedule"`
	SuccessWarning     float64       `yaml:"success_warning"`
	SuccessCritical    float64       `yaml:"success_critical"`
	DeadLetterWarning  int64         `yaml:"dead_letter_warning"`
	DeadLetterCritical int64         `yaml:"dead_letter_critical"`
	BacklogWarning     int64         `yaml:"backlog_warning"`
	BacklogCritical    int64         `yaml:"backlog_critical"`
	LatencyWarning     time.Duration `yaml:"latency_warning"`
}

// JobsConfig schedules maintenance jobs (cron specs or @every).
type JobsConfig struct {
	Sweep    string `yaml:"sweep"`
	Rollover string `yaml:"rollover"`
}

// NotifyConfig configures operator alerts. The log notifier is always on.
type NotifyConfig struct {
	WebhookURL   string        `yaml:"webhook_url"`
	AMQPURL      string        `yaml:"amqp_url"`
	AMQPExchange string        `yaml:"amqp_exchange"`
	MinInterval  time.Duration `yaml:"min_interval"`
	Burst        int           `yaml:"burst"`
	Timeout      time.Duration `yaml:"timeout"`
}

// AdminConfig configures the operator API. An empty token disables it.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// PlanConfig overrides the built-in limits for a tier. -1 means unlimited.
type PlanConfig struct {
	Tier                string `yaml:"tier"`
	StorageBytes        int64  `yaml:"storage_bytes"`
	ConversionsPerMonth int64  `yaml:"conversions_per_month"`
	APICallsPerMonth    int64  `yaml:"api_calls_per_month"`
	MaxFileSizeBytes    int64  `yaml:"max_file_size_bytes"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics at /metrics.
type MetricsConfig struct {
	Disabled bool `yaml:"disabled"`
}

// Load reads configuration from a YAML file. A .env file next to it is
// loaded first; variables already set in the environment win.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	USAGEGATE_WEBHOOK_SECRET          - Provider signing secret (required)
//	USAGEGATE_STORAGE_DRIVER          - sqlite, postgres or memory (default: sqlite)
//	USAGEGATE_STORAGE_DSN             - Database path or URL (default: usagegate.db)
//	USAGEGATE_REDIS_URL               - Redis URL for rate-limit records
//	USAGEGATE_SERVER_PORT             - Server port (default: 8080)
//	USAGEGATE_CONVERSIONS_PER_MINUTE  - Per-user conversion limit (default: 10)
//	USAGEGATE_IP_REQUESTS_PER_MINUTE  - Per-IP limit (default: 120)
//	USAGEGATE_WEBHOOK_MAX_ATTEMPTS    - Attempts before dead-lettering (default: 3)
//	USAGEGATE_ADMIN_TOKEN             - Enables the admin API
//	USAGEGATE_LOG_LEVEL               - debug, info, warn, error (default: info)
//	USAGEGATE_LOG_FORMAT              - json or console (default: json)
func LoadFromEnv() (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	var cfg Config
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	if HasEnvConfig() {
		return LoadFromEnv()
	}

	return nil, fmt.Errorf("no configuration found: provide %s or set %sWEBHOOK_SECRET", path, EnvPrefix)
}

// HasEnvConfig returns true if essential environment variables are set.
func HasEnvConfig() bool {
	return os.Getenv(EnvPrefix+"WEBHOOK_SECRET") != ""
}

// LoadDotEnv loads a dotenv file if it exists.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies USAGEGATE_* environment variables.
// Environment variables always override file-based configuration. Values
// that do not parse are reported together.
func applyEnvOverrides(cfg *Config) error {
	var bad []error

	envString("SERVER_HOST", &cfg.Server.Host)
	envInt("SERVER_PORT", &cfg.Server.Port, &bad)
	envDuration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout, &bad)
	envDuration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout, &bad)

	envString("STORAGE_DRIVER", &cfg.Storage.Driver)
	envString("STORAGE_DSN", &cfg.Storage.DSN)
	envString("REDIS_URL", &cfg.Redis.URL)

	envInt("CONVERSIONS_PER_MINUTE", &cfg.RateLimit.ConversionsPerMinute, &bad)
	envInt("IP_REQUESTS_PER_MINUTE", &cfg.RateLimit.IPRequestsPerMinute, &bad)
	envInt("MAX_BACKOFF_MINUTES", &cfg.RateLimit.MaxBackoffMinutes, &bad)
	envBool("RATELIMIT_FAIL_CLOSED", &cfg.RateLimit.FailClosed)

	envInt("SUSPICIOUS_ACTIVITY_THRESHOLD", &cfg.Abuse.SuspiciousActivityThreshold, &bad)
	envInt("ABUSE_DETECTION_WINDOW_HOURS", &cfg.Abuse.DetectionWindowHours, &bad)

	envBool("QUOTA_FAIL_OPEN", &cfg.Quota.FailOpen)

	envDuration("CACHE_PLAN_TTL", &cfg.Cache.PlanTTL, &bad)
	envDuration("CACHE_USAGE_TTL", &cfg.Cache.UsageTTL, &bad)

	envString("WEBHOOK_SECRET", &cfg.Webhook.Secret)
	envInt("WEBHOOK_MAX_ATTEMPTS", &cfg.Webhook.MaxAttempts, &bad)
	envDuration("WEBHOOK_TOLERANCE", &cfg.Webhook.Tolerance, &bad)

	envString("HEALTH_SCHEDULE", &cfg.Health.Schedule)

	envString("NOTIFY_WEBHOOK_URL", &cfg.Notify.WebhookURL)
	envString("NOTIFY_AMQP_URL", &cfg.Notify.AMQPURL)

	envString("ADMIN_TOKEN", &cfg.Admin.Token)

	envString("LOG_LEVEL", &cfg.Logging.Level)
	envString("LOG_FORMAT", &cfg.Logging.Format)

	envBool("METRICS_DISABLED", &cfg.Metrics.Disabled)

	if len(bad) > 0 {
		return fmt.Errorf("environment overrides: %w", errors.Join(bad...))
	}
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int, bad *[]error) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			*bad = append(*bad, fmt.Errorf("%s%s: %q is not an integer", EnvPrefix, name, v))
			return
		}
		*dst = n
	}
}

func envDuration(name string, dst *time.Duration, bad *[]error) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*bad = append(*bad, fmt.Errorf("%s%s: %q is not a duration", EnvPrefix, name, v))
			return
		}
		*dst = d
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = "usagegate.db"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "usagegate:rl"
	}

	if cfg.RateLimit.ConversionsPerMinute == 0 {
		cfg.RateLimit.ConversionsPerMinute = 10
	}
	if cfg.RateLimit.IPRequestsPerMinute == 0 {
		cfg.RateLimit.IPRequestsPerMinute = 120
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
	}
	if cfg.RateLimit.BackoffBaseSeconds == 0 {
		cfg.RateLimit.BackoffBaseSeconds = 5
	}
	if cfg.RateLimit.MaxBackoffMinutes == 0 {
		cfg.RateLimit.MaxBackoffMinutes = 60
	}
	if cfg.RateLimit.StoreTimeout == 0 {
		cfg.RateLimit.StoreTimeout = 500 * time.Millisecond
	}

	if cfg.Abuse.SuspiciousActivityThreshold == 0 {
		cfg.Abuse.SuspiciousActivityThreshold = 1000
	}
	if cfg.Abuse.DistinctIPThreshold == 0 {
		cfg.Abuse.DistinctIPThreshold = 5
	}
	if cfg.Abuse.DetectionWindowHours == 0 {
		cfg.Abuse.DetectionWindowHours = 1
	}
	if cfg.Abuse.SuspensionHours == 0 {
		cfg.Abuse.SuspensionHours = 24
	}

	if cfg.Quota.StoreTimeout == 0 {
		cfg.Quota.StoreTimeout = 2 * time.Second
	}

	if cfg.Cache.PlanTTL == 0 {
		cfg.Cache.PlanTTL = 5 * time.Minute
	}
	if cfg.Cache.UsageTTL == 0 {
		cfg.Cache.UsageTTL = 30 * time.Second
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = 10000
	}

	if cfg.Webhook.SignatureHeader == "" {
		cfg.Webhook.SignatureHeader = "Stripe-Signature"
	}
	if cfg.Webhook.Tolerance == 0 {
		cfg.Webhook.Tolerance = 5 * time.Minute
	}
	if cfg.Webhook.MaxAttempts == 0 {
		cfg.Webhook.MaxAttempts = 3
	}
	if cfg.Webhook.RetryBase == 0 {
		cfg.Webhook.RetryBase = 30 * time.Second
	}
	if cfg.Webhook.RetryMax == 0 {
		cfg.Webhook.RetryMax = time.Hour
	}
	if cfg.Webhook.HandlerTimeout == 0 {
		cfg.Webhook.HandlerTimeout = 10 * time.Second
	}
	if cfg.Webhook.RetryInterval == 0 {
		cfg.Webhook.RetryInterval = 15 * time.Second
	}
	if cfg.Webhook.BatchSize == 0 {
		cfg.Webhook.BatchSize = 100
	}

	if cfg.Health.Schedule == "" {
		cfg.Health.Schedule = "@every 5m"
	}
	if cfg.Health.SuccessWarning == 0 {
		cfg.Health.SuccessWarning = 0.95
	}
	if cfg.Health.SuccessCritical == 0 {
		cfg.Health.SuccessCritical = 0.80
	}
	if cfg.Health.DeadLetterWarning == 0 {
		cfg.Health.DeadLetterWarning = 1
	}
	if cfg.Health.DeadLetterCritical == 0 {
		cfg.Health.DeadLetterCritical = 10
	}
	if cfg.Health.BacklogWarning == 0 {
		cfg.Health.BacklogWarning = 100
	}
	if cfg.Health.BacklogCritical == 0 {
		cfg.Health.BacklogCritical = 1000
	}
	if cfg.Health.LatencyWarning == 0 {
		cfg.Health.LatencyWarning = 30 * time.Second
	}

	if cfg.Jobs.Sweep == "" {
		cfg.Jobs.Sweep = "@every 10m"
	}
	if cfg.Jobs.Rollover == "" {
		cfg.Jobs.Rollover = "5 0 1 * *"
	}

	if cfg.Notify.MinInterval == 0 {
		cfg.Notify.MinInterval = time.Minute
	}
	if cfg.Notify.Burst == 0 {
		cfg.Notify.Burst = 5
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = 5 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

var (
	validDrivers   = map[string]bool{"sqlite": true, "postgres": true, "memory": true}
	validTiers     = map[string]bool{"free": true, "pro": true, "agency": true}
	validPatterns  = map[string]bool{"suspicious_pattern": true, "rapid_requests": true, "quota_abuse": true}
	validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Validate checks a configuration after defaults were applied.
func Validate(cfg *Config) error {
	if cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if !validDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("storage.driver must be 'sqlite', 'postgres' or 'memory', got %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required when storage.driver is 'postgres'")
	}

	if cfg.RateLimit.ConversionsPerMinute < 1 {
		return fmt.Errorf("ratelimit.conversions_per_minute must be positive")
	}
	if cfg.RateLimit.IPRequestsPerMinute < 1 {
		return fmt.Errorf("ratelimit.ip_requests_per_minute must be positive")
	}
	if cfg.RateLimit.BackoffBaseSeconds < 1 || cfg.RateLimit.MaxBackoffMinutes < 1 {
		return fmt.Errorf("ratelimit backoff base and cap must be positive")
	}
	if time.Duration(cfg.RateLimit.BackoffBaseSeconds)*time.Second > time.Duration(cfg.RateLimit.MaxBackoffMinutes)*time.Minute {
		return fmt.Errorf("ratelimit.backoff_base_seconds exceeds ratelimit.max_backoff_minutes")
	}

	if cfg.Abuse.SuspiciousActivityThreshold < 1 || cfg.Abuse.DistinctIPThreshold < 1 {
		return fmt.Errorf("abuse thresholds must be positive")
	}
	if cfg.Abuse.DetectionWindowHours < 1 {
		return fmt.Errorf("abuse.detection_window_hours must be positive")
	}
	// Detection reads rate-limit records, which are swept after Retention.
	if window := time.Duration(cfg.Abuse.DetectionWindowHours) * time.Hour; window > ratelimit.Retention {
		return fmt.Errorf("abuse.detection_window_hours must not exceed the %v record retention, got %d",
			ratelimit.Retention, cfg.Abuse.DetectionWindowHours)
	}
	for _, p := range cfg.Abuse.ReviewPatterns {
		if !validPatterns[p] {
			return fmt.Errorf("abuse.review_patterns: unknown pattern %q", p)
		}
	}

	if cfg.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook.max_attempts must be at least 1")
	}
	if cfg.Webhook.RetryBase > cfg.Webhook.RetryMax {
		return fmt.Errorf("webhook.retry_base exceeds webhook.retry_max")
	}

	for price, tier := range cfg.Billing.PriceTiers {
		if !validTiers[tier] {
			return fmt.Errorf("billing.price_tiers[%s]: unknown tier %q", price, tier)
		}
	}

	h := cfg.Health
	if h.SuccessCritical <= 0 || h.SuccessWarning > 1 || h.SuccessCritical > h.SuccessWarning {
		return fmt.Errorf("health success thresholds must satisfy 0 < critical <= warning <= 1")
	}
	if h.DeadLetterCritical < h.DeadLetterWarning || h.BacklogCritical < h.BacklogWarning {
		return fmt.Errorf("health critical thresholds must not be below warning thresholds")
	}

	for name, spec := range map[string]string{
		"health.schedule": h.Schedule,
		"jobs.sweep":      cfg.Jobs.Sweep,
		"jobs.rollover":   cfg.Jobs.Rollover,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	seen := make(map[string]bool, len(cfg.Plans))
	for i, p := range cfg.Plans {
		if !validTiers[p.Tier] {
			return fmt.Errorf("plans[%d].tier must be free, pro or agency, got %q", i, p.Tier)
		}
		if seen[p.Tier] {
			return fmt.Errorf("plans[%d]: duplicate tier %q", i, p.Tier)
		}
		seen[p.Tier] = true
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	return nil
}
