// Package ratelimit provides pure sliding-window rate limiting algorithms.
// All functions are deterministic - same input always produces same output.
package ratelimit

import (
	"math"
	"strings"
	"time"
)

// Identifier names the subject of a limit: "user:<id>" or "ip:<addr>".
type Identifier string

// UserIdentifier returns the identifier for a user ID.
func UserIdentifier(userID string) Identifier { return Identifier("user:" + userID) }

// IPIdentifier returns the identifier for a client address.
func IPIdentifier(addr string) Identifier { return Identifier("ip:" + addr) }

// IsUser reports whether the identifier names a user.
func (id Identifier) IsUser() bool { return strings.HasPrefix(string(id), "user:") }

// IsIP reports whether the identifier names a client address.
func (id Identifier) IsIP() bool { return strings.HasPrefix(string(id), "ip:") }

// Subject returns the identifier without its prefix.
func (id Identifier) Subject() string {
	s := string(id)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Class groups endpoints that share a limit.
type Class string

const (
	ClassConversion Class = "conversion" // Per-user conversion actions
	ClassGeneral    Class = "general"    // Per-IP general requests
)

// Valid reports whether c is a known endpoint class.
func (c Class) Valid() bool {
	return c == ClassConversion || c == ClassGeneral
}

// Config holds sliding window configuration (value type).
type Config struct {
	Limit       int           // Requests per window
	Window      time.Duration // Trailing window length
	BackoffBase time.Duration // Multiplied by 2^excess
	BackoffCap  time.Duration // Upper bound on backoff
}

// DefaultConfig returns the reference window: 60s, 5s base, 60 minute cap.
func DefaultConfig(limit int) Config {
	return Config{
		Limit:       limit,
		Window:      time.Minute,
		BackoffBase: 5 * time.Second,
		BackoffCap:  60 * time.Minute,
	}
}

// WindowState is what the store observed for one identifier (value type).
type WindowState struct {
	Count  int       // Records in the trailing window
	Oldest time.Time // Oldest record in the window, zero when Count == 0
}

// Result represents the outcome of a rate limit check (value type).
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int           // Requests remaining in window
	ResetAt   time.Time     // When the oldest counted request leaves the window
	Backoff   time.Duration // How long the caller should wait, 0 when allowed
	Reason    string        // If not allowed, why
}

// Reasons
const (
	ReasonLimitExceeded    = "rate_limit_exceeded"
	ReasonSuspended        = "suspended"
	ReasonStoreUnavailable = "store_unavailable"
)

// BackoffSeconds returns the backoff rounded up to whole seconds.
func (r Result) BackoffSeconds() int64 {
	if r.Backoff <= 0 {
		return 0
	}
	return int64(math.Ceil(r.Backoff.Seconds()))
}

// maxExponent bounds the exponent so a large excess cannot overflow.
const maxExponent = 10

// Backoff computes min(2^min(excess,10) * base, cap).
// Non-decreasing in excess and never above cap.
// This is a PURE function.
func Backoff(excess int, base, cap time.Duration) time.Duration {
	if excess < 0 {
		excess = 0
	}
	if excess > maxExponent {
		excess = maxExponent
	}
	d := base * time.Duration(1<<uint(excess))
	if cap > 0 && d > cap {
		return cap
	}
	return d
}

// Evaluate decides whether one more request fits in the window.
// The caller records every attempt, denied or not, so sustained pressure
// raises the excess and with it the backoff.
// This is a PURE function.
//
// Parameters:
//   - state: records observed in the trailing window
//   - cfg: window configuration
//   - now: current timestamp
func Evaluate(state WindowState, cfg Config, now time.Time) Result {
	resetAt := now.Add(cfg.Window)
	if state.Count > 0 && !state.Oldest.IsZero() {
		resetAt = state.Oldest.Add(cfg.Window)
	}

	if state.Count < cfg.Limit {
		return Result{
			Allowed:   true,
			Limit:     cfg.Limit,
			Remaining: cfg.Limit - state.Count - 1,
			ResetAt:   resetAt,
		}
	}

	excess := state.Count - cfg.Limit + 1
	return Result{
		Allowed:   false,
		Limit:     cfg.Limit,
		Remaining: 0,
		ResetAt:   resetAt,
		Backoff:   Backoff(excess, cfg.BackoffBase, cfg.BackoffCap),
		Reason:    ReasonLimitExceeded,
	}
}

// Suspended builds the denial for an identifier under an active suspension.
// This is a PURE function.
func Suspended(expiresAt time.Time, limit int, now time.Time) Result {
	remaining := expiresAt.Sub(now)
	if remaining < time.Second {
		remaining = time.Second
	}
	return Result{
		Allowed: false,
		Limit:   limit,
		ResetAt: expiresAt,
		Backoff: remaining,
		Reason:  ReasonSuspended,
	}
}

// FailOpen builds the result returned when the store cannot be consulted.
// This is a PURE function.
func FailOpen(limit int, now time.Time, window time.Duration) Result {
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   now.Add(window),
		Reason:    ReasonStoreUnavailable,
	}
}

// WindowStart returns the start of the trailing window ending at now.
func WindowStart(now time.Time, window time.Duration) time.Time {
	return now.Add(-window)
}

// Record is one observed request attempt (value type). Records are never
// mutated; they age out of the window and are garbage-collected.
type Record struct {
	Identifier Identifier
	Class      Class
	IP         string
	At         time.Time
}

// Retention is how long records are kept for abuse detection.
const Retention = 24 * time.Hour

// Request describes one attempt to be rate limited (value type).
// UserID and IP feed abuse detection and may be empty.
type Request struct {
	Identifier Identifier
	Class      Class
	UserID     string
	IP         string
}
