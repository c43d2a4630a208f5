package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artpar/usagegate/core/events"
	"github.com/artpar/usagegate/domain/errs"
	"github.com/artpar/usagegate/domain/webhook"
	"github.com/artpar/usagegate/ports"
	"github.com/rs/zerolog"
)

// EventHandler applies one provider event. Handlers must be idempotent.
type EventHandler func(ctx context.Context, ev webhook.Event) error

// IntakeStatus is the acknowledged outcome of an inbound delivery.
type IntakeStatus string

const (
	IntakeProcessed    IntakeStatus = "processed"       // Handled now
	IntakeDuplicate    IntakeStatus = "duplicate"       // Already processed, handler not run
	IntakeRetrying     IntakeStatus = "retry_scheduled" // Handler failed, retry scheduled
	IntakeDeadLettered IntakeStatus = "dead_lettered"   // Attempts exhausted
	IntakeInProgress   IntakeStatus = "in_progress"     // Another worker holds the lease
)

// IntakeResult describes what happened to one event.
type IntakeResult struct {
	EventID  string
	Type     string
	Status   IntakeStatus
	Attempts int
}

// WebhookDeps contains dependencies for WebhookProcessor.
type WebhookDeps struct {
	Store    ports.WebhookEventStore
	Handlers map[webhook.Kind]EventHandler
	Events   ports.EventPublisher
	Clock    ports.Clock
	Logger   zerolog.Logger
}

// WebhookConfig contains configuration for WebhookProcessor.
type WebhookConfig struct {
	Secret         string
	Tolerance      time.Duration // Signature timestamp tolerance; <= 0 disables the check
	Retry          webhook.RetryPolicy
	HandlerTimeout time.Duration
	BatchSize      int // Due events picked per retry tick
}

// DefaultWebhookConfig returns the defaults for everything but the secret.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Tolerance:      webhook.DefaultTolerance,
		Retry:          webhook.DefaultRetryPolicy(),
		HandlerTimeout: 10 * time.Second,
		BatchSize:      100,
	}
}

// WebhookProcessor verifies, records and processes provider webhooks.
type WebhookProcessor struct {
	store    ports.WebhookEventStore
	handlers map[webhook.Kind]EventHandler
	events   ports.EventPublisher
	clock    ports.Clock
	logger   zerolog.Logger

	cfg atomic.Pointer[WebhookConfig]

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// NewWebhookProcessor creates a new webhook processor.
func NewWebhookProcessor(deps WebhookDeps, cfg WebhookConfig) *WebhookProcessor {
	p := &WebhookProcessor{
		store:    deps.Store,
		handlers: deps.Handlers,
		events:   deps.Events,
		clock:    deps.Clock,
		logger:   deps.Logger,
		stopCh:   make(chan struct{}),
	}
	if p.handlers == nil {
		p.handlers = map[webhook.Kind]EventHandler{}
	}
	p.UpdateConfig(cfg)
	return p
}

// UpdateConfig swaps the configuration. Zero fields take defaults.
func (p *WebhookProcessor) UpdateConfig(cfg WebhookConfig) {
	def := DefaultWebhookConfig()
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	p.cfg.Store(&cfg)
}

func (p *WebhookProcessor) config() WebhookConfig {
	return *p.cfg.Load()
}

// RetryPolicy returns the active retry policy.
func (p *WebhookProcessor) RetryPolicy() webhook.RetryPolicy {
	return p.config().Retry
}

func (p *WebhookProcessor) publish(e events.Event) {
	if p.events != nil {
		p.events.Publish(e)
	}
}

// Intake verifies and records an inbound delivery, then processes it.
// Once the event is durably recorded the delivery is acknowledged even if
// the handler fails; retries are ours from then on.
func (p *WebhookProcessor) Intake(ctx context.Context, payload []byte, signatureHeader string) (IntakeResult, error) {
	const op = "webhook.intake"
	cfg := p.config()
	now := p.clock.Now()

	if err := webhook.VerifySignature(payload, signatureHeader, cfg.Secret, cfg.Tolerance, now); err != nil {
		p.logger.Warn().Err(err).Int("payload_bytes", len(payload)).Msg("webhook signature rejected")
		p.publish(events.WebhookOutcome{Outcome: events.KindWebhookRejected, Error: err.Error(), At: now})
		return IntakeResult{}, errs.Authentication(op, "invalid webhook signature")
	}

	env, err := webhook.ParseEnvelope(payload)
	if err != nil {
		p.logger.Warn().Err(err).Msg("webhook payload rejected")
		p.publish(events.WebhookOutcome{Outcome: events.KindWebhookRejected, Error: err.Error(), At: now})
		return IntakeResult{}, errs.Validation("malformed_payload", op, err.Error())
	}

	stored, inserted, err := p.store.Insert(ctx, webhook.NewEvent(env, payload, now))
	if err != nil {
		p.logger.Error().Err(err).Str("event_id", env.ID).Msg("failed to record webhook event")
		return IntakeResult{}, errs.Transient(err, op)
	}

	if !inserted {
		switch webhook.StateOf(stored, cfg.Retry) {
		case webhook.StateProcessed:
			p.logger.Info().Str("event_id", env.ID).Str("type", env.Type).Msg("duplicate webhook ignored")
			p.publish(events.WebhookOutcome{EventID: env.ID, Type: env.Type, Outcome: events.KindWebhookDuplicate, Attempts: stored.Attempts, At: now})
			return resultOf(stored, IntakeDuplicate), nil
		case webhook.StateDeadLettered:
			p.logger.Warn().Str("event_id", env.ID).Msg("redelivery of dead-lettered webhook acknowledged")
			p.publish(events.WebhookOutcome{EventID: env.ID, Type: env.Type, Outcome: events.KindWebhookDuplicate, Attempts: stored.Attempts, At: now})
			return resultOf(stored, IntakeDeadLettered), nil
		}
		p.logger.Info().Str("event_id", env.ID).Int("attempts", stored.Attempts).Msg("redelivery resumes unprocessed webhook")
	}

	return p.Process(ctx, env.ID)
}

func resultOf(ev webhook.Event, status IntakeStatus) IntakeResult {
	return IntakeResult{EventID: ev.EventID, Type: ev.Type, Status: status, Attempts: ev.Attempts}
}

// Process runs one attempt for a recorded event if it is claimable.
func (p *WebhookProcessor) Process(ctx context.Context, eventID string) (IntakeResult, error) {
	const op = "webhook.process"
	cfg := p.config()
	now := p.clock.Now()

	claimed, ok, err := p.store.Claim(ctx, eventID, cfg.Retry.MaxAttempts, now, now.Add(2*cfg.HandlerTimeout))
	if errors.Is(err, ports.ErrNotFound) {
		return IntakeResult{}, errs.NotFound(op, "webhook event", eventID)
	}
	if err != nil {
		return IntakeResult{}, errs.Transient(err, op)
	}
	if !ok {
		switch webhook.StateOf(claimed, cfg.Retry) {
		case webhook.StateProcessed:
			return resultOf(claimed, IntakeDuplicate), nil
		case webhook.StateDeadLettered:
			return resultOf(claimed, IntakeDeadLettered), nil
		}
		return resultOf(claimed, IntakeInProgress), nil
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.HandlerTimeout)
	herr := p.dispatch(hctx, claimed)
	cancel()

	// Bookkeeping must land even if the caller went away.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HandlerTimeout)
	defer wcancel()
	done := p.clock.Now()

	if herr == nil {
		updated := webhook.MarkProcessed(claimed, done)
		if err := p.store.Update(wctx, updated); err != nil {
			p.logger.Error().Err(err).Str("event_id", eventID).Msg("failed to mark webhook processed")
			return IntakeResult{}, errs.Transient(err, op)
		}
		latency := webhook.Latency(updated)
		p.logger.Info().
			Str("event_id", eventID).
			Str("type", updated.Type).
			Int("attempts", updated.Attempts).
			Dur("latency", latency).
			Msg("webhook processed")
		p.publish(events.WebhookOutcome{
			EventID: eventID, Type: updated.Type, Outcome: events.KindWebhookProcessed,
			Attempts: updated.Attempts, Latency: latency, At: done,
		})
		return resultOf(updated, IntakeProcessed), nil
	}

	updated := webhook.MarkFailed(claimed, herr.Error(), done, cfg.Retry)
	if err := p.store.Update(wctx, updated); err != nil {
		p.logger.Error().Err(err).Str("event_id", eventID).Msg("failed to record webhook failure")
		return IntakeResult{}, errs.Transient(err, op)
	}

	if webhook.IsDeadLettered(updated, cfg.Retry) {
		p.logger.Error().Err(herr).
			Str("event_id", eventID).
			Str("type", updated.Type).
			Int("attempts", updated.Attempts).
			Msg("webhook dead-lettered")
		p.publish(events.WebhookOutcome{
			EventID: eventID, Type: updated.Type, Outcome: events.KindWebhookDeadLetter,
			Attempts: updated.Attempts, Error: updated.LastError, At: done,
		})
		return resultOf(updated, IntakeDeadLettered), nil
	}

	p.logger.Warn().Err(herr).
		Str("event_id", eventID).
		Str("type", updated.Type).
		Int("attempts", updated.Attempts).
		Time("next_attempt", *updated.NextAttemptAt).
		Msg("webhook processing failed, retry scheduled")
	p.publish(events.WebhookOutcome{
		EventID: eventID, Type: updated.Type, Outcome: events.KindWebhookFailed,
		Attempts: updated.Attempts, Error: updated.LastError, At: done,
	})
	return resultOf(updated, IntakeRetrying), nil
}

// dispatch routes an event to its handler. Unknown kinds are acknowledged.
func (p *WebhookProcessor) dispatch(ctx context.Context, ev webhook.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	h, ok := p.handlers[ev.Kind()]
	if !ok {
		p.logger.Info().Str("event_id", ev.EventID).Str("type", ev.Type).Msg("unhandled webhook type acknowledged")
		return nil
	}
	return h(ctx, ev)
}

// StartRetryWorker starts a background worker that processes due retries.
func (p *WebhookProcessor) StartRetryWorker(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Info().Dur("interval", interval).Msg("starting webhook retry worker")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				if _, err := p.RetryDue(ctx); err != nil {
					p.logger.Error().Err(err).Msg("failed to process webhook retries")
				}
			}
		}
	}()
}

// StopRetryWorker stops the retry worker.
func (p *WebhookProcessor) StopRetryWorker() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		close(p.stopCh)
		p.running = false
	}
}

// RetryDue processes one batch of events whose next attempt is due and
// returns how many were attempted.
func (p *WebhookProcessor) RetryDue(ctx context.Context) (int, error) {
	cfg := p.config()
	due, err := p.store.ListDue(ctx, p.clock.Now(), cfg.Retry.MaxAttempts, cfg.BatchSize)
	if err != nil {
		return 0, errs.Transient(err, "webhook.retry_due")
	}
	if len(due) == 0 {
		return 0, nil
	}

	p.logger.Debug().Int("count", len(due)).Msg("processing due webhook retries")
	for _, ev := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := p.Process(ctx, ev.EventID); err != nil {
			p.logger.Error().Err(err).Str("event_id", ev.EventID).Msg("webhook retry failed")
		}
	}
	return len(due), nil
}

// ListDeadLettered returns events that exhausted their attempts.
func (p *WebhookProcessor) ListDeadLettered(ctx context.Context, limit int) ([]webhook.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	list, err := p.store.ListDeadLettered(ctx, p.config().Retry.MaxAttempts, limit)
	if err != nil {
		return nil, errs.Transient(err, "webhook.list_dead_lettered")
	}
	return list, nil
}

// Get returns a recorded event.
func (p *WebhookProcessor) Get(ctx context.Context, eventID string) (webhook.Event, error) {
	ev, err := p.store.Get(ctx, eventID)
	if errors.Is(err, ports.ErrNotFound) {
		return webhook.Event{}, errs.NotFound("webhook.get", "webhook event", eventID)
	}
	if err != nil {
		return webhook.Event{}, errs.Transient(err, "webhook.get")
	}
	return ev, nil
}

// Replay resets a dead-lettered or failing event's attempts and processes
// it once now.
func (p *WebhookProcessor) Replay(ctx context.Context, eventID string) (IntakeResult, error) {
	const op = "webhook.replay"
	ev, err := p.Get(ctx, eventID)
	if err != nil {
		return IntakeResult{}, err
	}
	if ev.Processed {
		return IntakeResult{}, errs.Validation("already_processed", op, "event "+eventID+" was already processed")
	}

	if err := p.store.Update(ctx, webhook.ResetForReplay(ev)); err != nil {
		return IntakeResult{}, errs.Transient(err, op)
	}
	p.logger.Info().Str("event_id", eventID).Int("previous_attempts", ev.Attempts).Msg("replaying webhook")
	return p.Process(ctx, eventID)
}
