package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/artpar/usagegate/core/events"
	"github.com/artpar/usagegate/domain/errs"
	"github.com/artpar/usagegate/domain/health"
	"github.com/artpar/usagegate/domain/webhook"
	"github.com/artpar/usagegate/ports"
	"github.com/rs/zerolog"
)

// HealthDeps contains dependencies for HealthMonitor.
type HealthDeps struct {
	Store  ports.WebhookEventStore
	Events ports.EventPublisher
	Clock  ports.Clock
	Logger zerolog.Logger
}

// HealthConfig contains hot-reloadable configuration for HealthMonitor.
type HealthConfig struct {
	Thresholds   health.Thresholds
	Retry        webhook.RetryPolicy
	StoreTimeout time.Duration
}

// DefaultHealthConfig returns the default thresholds and retry policy.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Thresholds:   health.DefaultThresholds(),
		Retry:        webhook.DefaultRetryPolicy(),
		StoreTimeout: 5 * time.Second,
	}
}

// HealthMonitor reports on webhook processing over the trailing window.
type HealthMonitor struct {
	store  ports.WebhookEventStore
	events ports.EventPublisher
	clock  ports.Clock
	logger zerolog.Logger

	cfg  atomic.Pointer[HealthConfig]
	last atomic.Pointer[health.Report]
}

// NewHealthMonitor creates a new health monitor.
func NewHealthMonitor(deps HealthDeps, cfg HealthConfig) *HealthMonitor {
	m := &HealthMonitor{
		store:  deps.Store,
		events: deps.Events,
		clock:  deps.Clock,
		logger: deps.Logger,
	}
	m.UpdateConfig(cfg)
	return m
}

// UpdateConfig swaps the configuration.
func (m *HealthMonitor) UpdateConfig(cfg HealthConfig) {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = webhook.DefaultRetryPolicy().MaxAttempts
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultHealthConfig().StoreTimeout
	}
	m.cfg.Store(&cfg)
}

// Report builds a health report for the window ending at now.
func (m *HealthMonitor) Report(ctx context.Context, now time.Time) (health.Report, error) {
	cfg := *m.cfg.Load()
	ctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()

	stats, err := m.store.Stats(ctx, now.Add(-health.Window), cfg.Retry.MaxAttempts)
	if err != nil {
		return health.Report{}, errs.Transient(err, "health.report")
	}
	return health.Build(stats, cfg.Thresholds, now), nil
}

// Check builds a report for the current time, logs it and publishes it.
// Alert delivery is left to subscribers of HealthReported.
func (m *HealthMonitor) Check(ctx context.Context) (health.Report, error) {
	now := m.clock.Now()
	r, err := m.Report(ctx, now)
	if err != nil {
		m.logger.Error().Err(err).Msg("health report failed")
		return health.Report{}, err
	}
	m.last.Store(&r)

	ev := m.logger.Info()
	if r.OverallHealth == health.LevelWarning {
		ev = m.logger.Warn()
	} else if r.OverallHealth == health.LevelCritical {
		ev = m.logger.Error()
	}
	ev.Str("overall", r.OverallHealth.String()).
		Float64("success_rate", r.Metrics.SuccessRate).
		Int64("dead_letters", r.Metrics.DeadLetterCount).
		Int64("backlog", r.Metrics.BacklogCount).
		Int("alerts", len(r.Alerts)).
		Msg("webhook health report")

	if m.events != nil {
		alerts := make([]string, 0, len(r.Alerts))
		for _, a := range r.Alerts {
			alerts = append(alerts, a.Message)
		}
		m.events.Publish(events.HealthReported{
			Overall:      r.OverallHealth.String(),
			SuccessRate:  r.Metrics.SuccessRate,
			DeadLetters:  r.Metrics.DeadLetterCount,
			Backlog:      r.Metrics.BacklogCount,
			AvgLatencyMs: r.Metrics.AvgLatencyMillis,
			Alerts:       alerts,
			At:           now,
		})
	}
	return r, nil
}

// Last returns the most recent report produced by Check.
func (m *HealthMonitor) Last() (health.Report, bool) {
	r := m.last.Load()
	if r == nil {
		return health.Report{}, false
	}
	return *r, true
}
