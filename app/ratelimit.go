package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artpar/usagegate/core/events"
	"github.com/artpar/usagegate/domain/abuse"
	"github.com/artpar/usagegate/domain/errs"
	"github.com/artpar/usagegate/domain/ratelimit"
	"github.com/artpar/usagegate/ports"
	"github.com/rs/zerolog"
)

// RateLimitDeps contains dependencies for RateLimitService.
type RateLimitDeps struct {
	Records     ports.RateLimitStore
	Suspensions ports.SuspensionStore
	Events      ports.EventPublisher
	Clock       ports.Clock
	Logger      zerolog.Logger
}

// RateLimitConfig contains hot-reloadable configuration for RateLimitService.
type RateLimitConfig struct {
	Conversion   ratelimit.Config // Per-user conversion endpoints
	General      ratelimit.Config // Per-IP general endpoints
	Abuse        abuse.Thresholds
	StoreTimeout time.Duration
	Policy       FailurePolicy
}

// DefaultRateLimitConfig returns 10 conversions and 120 IP requests per
// minute, failing open after 500ms.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Conversion:   ratelimit.DefaultConfig(10),
		General:      ratelimit.DefaultConfig(120),
		Abuse:        abuse.DefaultThresholds(),
		StoreTimeout: 500 * time.Millisecond,
		Policy:       FailOpen,
	}
}

func (c RateLimitConfig) window(class ratelimit.Class) ratelimit.Config {
	if class == ratelimit.ClassConversion {
		return c.Conversion
	}
	return c.General
}

// RateLimitService enforces sliding-window limits and contains abuse.
type RateLimitService struct {
	records     ports.RateLimitStore
	suspensions ports.SuspensionStore
	events      ports.EventPublisher
	clock       ports.Clock
	logger      zerolog.Logger

	cfg atomic.Pointer[RateLimitConfig]

	// Findings already reported, so medium findings are logged once per window.
	mu       sync.Mutex
	reported map[string]time.Time
}

// NewRateLimitService creates a new rate limit service.
func NewRateLimitService(deps RateLimitDeps, cfg RateLimitConfig) *RateLimitService {
	s := &RateLimitService{
		records:     deps.Records,
		suspensions: deps.Suspensions,
		events:      deps.Events,
		clock:       deps.Clock,
		logger:      deps.Logger,
		reported:    make(map[string]time.Time),
	}
	s.UpdateConfig(cfg)
	return s
}

// UpdateConfig swaps the configuration.
func (s *RateLimitService) UpdateConfig(cfg RateLimitConfig) {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultRateLimitConfig().StoreTimeout
	}
	s.cfg.Store(&cfg)
}

func (s *RateLimitService) config() RateLimitConfig {
	return *s.cfg.Load()
}

func (s *RateLimitService) publish(e events.Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

// CheckRateLimit decides whether req may proceed and records it when it does.
func (s *RateLimitService) CheckRateLimit(ctx context.Context, req ratelimit.Request) (ratelimit.Result, error) {
	const op = "ratelimit.check"
	if req.Identifier == "" {
		return ratelimit.Result{}, errs.Validation("invalid_identifier", op, "identifier is required")
	}
	if !req.Class.Valid() {
		return ratelimit.Result{}, errs.Validation("invalid_endpoint_class", op, "unknown endpoint class "+string(req.Class))
	}

	if req.IP == "" && req.Identifier.IsIP() {
		req.IP = req.Identifier.Subject()
	}

	cfg := s.config()
	window := cfg.window(req.Class)
	now := s.clock.Now()

	ctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()

	// 1. Suspensions block before any counting.
	for _, id := range suspensionTargets(req) {
		sus, err := s.suspensions.Active(ctx, string(id), now)
		if errors.Is(err, ports.ErrNotFound) {
			continue
		}
		if err != nil {
			return s.storeFailure(op, req, window, cfg.Policy, err, now)
		}
		res := ratelimit.Suspended(sus.ExpiresAt, window.Limit, now)
		if sus.RequiresReview {
			res.ResetAt = time.Time{}
		}
		s.decided(req, res, now)
		return res, nil
	}

	// 2. Sliding windows.
	state, err := s.window(ctx, req, window, now)
	if err != nil {
		return s.storeFailure(op, req, window, cfg.Policy, err, now)
	}
	res := ratelimit.Evaluate(state, window, now)

	// Conversions also count against the caller's IP, so rotating users
	// from one address cannot sidestep the per-IP limit.
	if res.Allowed && req.Class == ratelimit.ClassConversion && req.IP != "" {
		ipState, err := s.records.WindowByIP(ctx, req.IP, ratelimit.WindowStart(now, cfg.General.Window))
		if err != nil {
			return s.storeFailure(op, req, window, cfg.Policy, err, now)
		}
		if ipRes := ratelimit.Evaluate(ipState, cfg.General, now); !ipRes.Allowed {
			res, state, window = ipRes, ipState, cfg.General
		}
	}

	// 3. Every attempt past the suspension check is recorded.
	if err := s.records.Record(ctx, ratelimit.Record{Identifier: req.Identifier, Class: req.Class, IP: req.IP, At: now}); err != nil {
		return s.storeFailure(op, req, window, cfg.Policy, err, now)
	}
	s.decided(req, res, now)
	if !res.Allowed {
		s.logger.Info().
			Str("identifier", string(req.Identifier)).
			Str("class", string(req.Class)).
			Int("count", state.Count).
			Int("limit", window.Limit).
			Dur("backoff", res.Backoff).
			Msg("rate limited")
	}

	// 4. Abuse detection never changes this result.
	s.detect(ctx, req, cfg.Abuse, now)
	return res, nil
}

// window reads the sliding window for req. IP identifiers in the general
// class count every record made from the address, whoever it was keyed on.
func (s *RateLimitService) window(ctx context.Context, req ratelimit.Request, window ratelimit.Config, now time.Time) (ratelimit.WindowState, error) {
	since := ratelimit.WindowStart(now, window.Window)
	if req.Class == ratelimit.ClassGeneral && req.Identifier.IsIP() {
		return s.records.WindowByIP(ctx, req.Identifier.Subject(), since)
	}
	return s.records.Window(ctx, req.Identifier, req.Class, since)
}

// suspensionTargets lists every identifier whose suspension blocks req.
func suspensionTargets(req ratelimit.Request) []ratelimit.Identifier {
	ids := []ratelimit.Identifier{req.Identifier}
	if req.UserID != "" {
		if u := ratelimit.UserIdentifier(req.UserID); u != req.Identifier {
			ids = append(ids, u)
		}
	}
	if req.IP != "" {
		if ip := ratelimit.IPIdentifier(req.IP); ip != req.Identifier {
			ids = append(ids, ip)
		}
	}
	return ids
}

func (s *RateLimitService) decided(req ratelimit.Request, res ratelimit.Result, now time.Time) {
	s.publish(events.RateLimitDecision{
		Identifier: string(req.Identifier),
		Class:      string(req.Class),
		Allowed:    res.Allowed,
		Reason:     res.Reason,
		Backoff:    res.Backoff,
		At:         now,
	})
}

// storeFailure applies the failure policy. Rate limiting fails open by default.
func (s *RateLimitService) storeFailure(op string, req ratelimit.Request, window ratelimit.Config, policy FailurePolicy, err error, now time.Time) (ratelimit.Result, error) {
	s.logger.Warn().Err(err).
		Str("identifier", string(req.Identifier)).
		Str("policy", policy.String()).
		Msg("rate limit store unavailable")

	if policy == FailOpen {
		res := ratelimit.FailOpen(window.Limit, now, window.Window)
		s.decided(req, res, now)
		return res, nil
	}

	res := ratelimit.Result{
		Allowed: false,
		Limit:   window.Limit,
		ResetAt: now.Add(window.Window),
		Backoff: window.BackoffBase,
		Reason:  ratelimit.ReasonStoreUnavailable,
	}
	s.decided(req, res, now)
	return res, errs.Transient(err, op)
}

// detect gathers abuse signals for req and acts on findings. Failures are
// logged only.
func (s *RateLimitService) detect(ctx context.Context, req ratelimit.Request, th abuse.Thresholds, now time.Time) {
	since := now.Add(-th.Window)
	sig := abuse.Signals{UserID: req.UserID, IP: req.IP}

	var err error
	if req.UserID != "" {
		user := ratelimit.UserIdentifier(req.UserID)
		if sig.DistinctIPs, err = s.records.DistinctIPs(ctx, user, since); err != nil {
			s.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("abuse detection skipped")
			return
		}
		if sig.UserConversions, err = s.records.Count(ctx, user, ratelimit.ClassConversion, since); err != nil {
			s.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("abuse detection skipped")
			return
		}
	}
	if req.IP != "" {
		if sig.IPRequests, err = s.records.CountByIP(ctx, req.IP, since); err != nil {
			s.logger.Warn().Err(err).Str("ip", req.IP).Msg("abuse detection skipped")
			return
		}
	}

	for _, f := range abuse.Detect(sig, th) {
		if !s.firstReport(f, now, th.Window) {
			continue
		}
		ev := events.AbuseDetected{
			Identifier: f.Identifier,
			Pattern:    string(f.Pattern),
			Severity:   string(f.Severity),
			Detail:     f.Detail,
			At:         now,
		}

		if abuse.ShouldSuspend(f) {
			sus := abuse.SuspensionFor(f, th, now)
			if err := s.suspensions.Create(ctx, sus); err != nil {
				s.logger.Error().Err(err).Str("identifier", f.Identifier).Msg("failed to create suspension")
				continue
			}
			ev.Suspended = true
			ev.Until = sus.ExpiresAt
			s.logger.Warn().
				Str("identifier", f.Identifier).
				Str("pattern", string(f.Pattern)).
				Int("observed", f.Observed).
				Int("threshold", f.Threshold).
				Time("until", sus.ExpiresAt).
				Bool("requires_review", sus.RequiresReview).
				Msg("identifier suspended")
		} else {
			s.logger.Info().
				Str("identifier", f.Identifier).
				Str("pattern", string(f.Pattern)).
				Str("severity", string(f.Severity)).
				Int("observed", f.Observed).
				Msg("suspicious activity")
		}
		s.publish(ev)
	}
}

func (s *RateLimitService) firstReport(f abuse.Finding, now time.Time, window time.Duration) bool {
	key := f.Identifier + "|" + string(f.Pattern)
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.reported[key]; ok && now.Sub(last) < window {
		return false
	}
	s.reported[key] = now
	return true
}

// SweepResult reports what a sweep removed.
type SweepResult struct {
	Records     int64
	Suspensions int64
}

// Sweep garbage-collects records past retention and expires suspensions.
func (s *RateLimitService) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	var err error

	if res.Records, err = s.records.DeleteBefore(ctx, now.Add(-ratelimit.Retention)); err != nil {
		return res, errs.Transient(err, "ratelimit.sweep")
	}
	if res.Suspensions, err = s.suspensions.Expire(ctx, now); err != nil {
		return res, errs.Transient(err, "ratelimit.sweep")
	}

	window := s.config().Abuse.Window
	s.mu.Lock()
	for k, at := range s.reported {
		if now.Sub(at) >= window {
			delete(s.reported, k)
		}
	}
	s.mu.Unlock()

	s.logger.Debug().
		Int64("records", res.Records).
		Int64("suspensions", res.Suspensions).
		Msg("rate limit sweep complete")
	return res, nil
}

// Suspensions lists suspensions currently in effect.
func (s *RateLimitService) Suspensions(ctx context.Context) ([]abuse.Suspension, error) {
	list, err := s.suspensions.List(ctx, s.clock.Now())
	if err != nil {
		return nil, errs.Transient(err, "ratelimit.suspensions")
	}
	return list, nil
}

// Lift ends a suspension early.
func (s *RateLimitService) Lift(ctx context.Context, identifier string) error {
	err := s.suspensions.Lift(ctx, identifier)
	if errors.Is(err, ports.ErrNotFound) {
		return errs.NotFound("ratelimit.lift", "suspension", identifier)
	}
	if err != nil {
		return errs.Transient(err, "ratelimit.lift")
	}
	s.logger.Info().Str("identifier", identifier).Msg("suspension lifted")
	return nil
}
