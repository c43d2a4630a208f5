// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/usagegate/core/events"
	"github.com/artpar/usagegate/domain/abuse"
	"github.com/artpar/usagegate/domain/billing"
	"github.com/artpar/usagegate/domain/health"
	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/domain/quota"
	"github.com/artpar/usagegate/domain/ratelimit"
	"github.com/artpar/usagegate/domain/webhook"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when a backing service cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// TokenVerifier checks a presented operator token.
type TokenVerifier interface {
	Verify(token string) bool
}

// EventPublisher emits typed domain events.
type EventPublisher interface {
	Publish(e events.Event)
}

// -----------------------------------------------------------------------------
// Ledger Store Ports
// -----------------------------------------------------------------------------

// UsageStore persists usage counters. Implementations must make Reserve a
// single atomic read-modify-write per key.
type UsageStore interface {
	// Reserve adds amount to the counter only if current+amount <= limit.
	// A negative limit means unlimited. It returns the counter value after
	// the call and whether the reservation was applied.
	Reserve(ctx context.Context, key quota.Key, amount, limit int64, periodEnd time.Time) (current int64, ok bool, err error)

	// Release subtracts amount from the counter, never going below zero.
	Release(ctx context.Context, key quota.Key, amount int64) (int64, error)

	// Get returns the counter value, 0 if the counter does not exist.
	Get(ctx context.Context, key quota.Key) (int64, error)

	// Reset sets the counter to zero.
	Reset(ctx context.Context, key quota.Key) error

	// DeleteExpired removes counters whose period ended at or before t.
	DeleteExpired(ctx context.Context, t time.Time) (int64, error)
}

// PlanStore persists plan limits.
type PlanStore interface {
	// Get returns the limits for a tier.
	Get(ctx context.Context, tier plan.Tier) (plan.Limits, error)

	// List returns every tier's limits.
	List(ctx context.Context) ([]plan.Limits, error)

	// Upsert creates or replaces a tier's limits.
	Upsert(ctx context.Context, l plan.Limits) error
}

// SubscriptionStore persists user subscriptions.
type SubscriptionStore interface {
	// Get returns the subscription for a user, or ErrNotFound.
	Get(ctx context.Context, userID string) (billing.Subscription, error)

	// GetByCustomer looks a subscription up by provider customer ID.
	GetByCustomer(ctx context.Context, customerID string) (billing.Subscription, error)

	// Save upserts by user ID. Rows written by a later event are left
	// untouched; the returned bool reports whether the row was written.
	Save(ctx context.Context, s billing.Subscription) (bool, error)

	// MarkUsageReset records that eventID's usage reset ran for the user.
	MarkUsageReset(ctx context.Context, userID, eventID string) error
}

// RateLimitStore persists request records for sliding windows.
type RateLimitStore interface {
	// Record appends one request record.
	Record(ctx context.Context, r ratelimit.Record) error

	// Window returns the count and oldest timestamp of records for
	// identifier and class at or after since.
	Window(ctx context.Context, id ratelimit.Identifier, class ratelimit.Class, since time.Time) (ratelimit.WindowState, error)

	// Count returns records for identifier at or after since, across classes
	// when class is empty.
	Count(ctx context.Context, id ratelimit.Identifier, class ratelimit.Class, since time.Time) (int, error)

	// WindowByIP returns the count and oldest timestamp of records made from
	// ip at or after since, whatever identifier they were recorded under.
	WindowByIP(ctx context.Context, ip string, since time.Time) (ratelimit.WindowState, error)

	// CountByIP returns how many records were made from ip at or after since.
	CountByIP(ctx context.Context, ip string, since time.Time) (int, error)

	// DistinctIPs returns how many distinct IPs identifier used since.
	DistinctIPs(ctx context.Context, id ratelimit.Identifier, since time.Time) (int, error)

	// DeleteBefore garbage-collects records older than t.
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

// SuspensionStore persists suspensions.
type SuspensionStore interface {
	// Active returns the suspension in effect for identifier at now, or ErrNotFound.
	Active(ctx context.Context, identifier string, now time.Time) (abuse.Suspension, error)

	// Create stores a suspension, replacing any previous one for the identifier.
	Create(ctx context.Context, s abuse.Suspension) error

	// List returns suspensions in effect at now.
	List(ctx context.Context, now time.Time) ([]abuse.Suspension, error)

	// Lift deactivates the suspension for identifier.
	Lift(ctx context.Context, identifier string) error

	// Expire deactivates time-bounded suspensions that ended at or before now.
	Expire(ctx context.Context, now time.Time) (int64, error)
}

// WebhookEventStore persists inbound webhook events.
type WebhookEventStore interface {
	// Insert stores a new event keyed by its event ID. When the ID already
	// exists the stored event is returned with inserted=false.
	Insert(ctx context.Context, ev webhook.Event) (stored webhook.Event, inserted bool, err error)

	// Get returns an event by ID, or ErrNotFound.
	Get(ctx context.Context, eventID string) (webhook.Event, error)

	// Claim atomically starts an attempt: it increments the attempt count and
	// leases the event until leaseUntil, only if the event is unprocessed,
	// below maxAttempts, and not leased by another worker.
	Claim(ctx context.Context, eventID string, maxAttempts int, now, leaseUntil time.Time) (webhook.Event, bool, error)

	// Update writes the outcome of an attempt and releases the lease.
	Update(ctx context.Context, ev webhook.Event) error

	// ListDue returns unprocessed events below maxAttempts whose next attempt
	// time has passed.
	ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]webhook.Event, error)

	// ListDeadLettered returns unprocessed events at or above maxAttempts.
	ListDeadLettered(ctx context.Context, maxAttempts, limit int) ([]webhook.Event, error)

	// Stats aggregates events created at or after since.
	Stats(ctx context.Context, since time.Time, maxAttempts int) (health.Stats, error)
}

// -----------------------------------------------------------------------------
// Cache Port
// -----------------------------------------------------------------------------

// LimitsLoader resolves a user's plan limits from the ledger.
type LimitsLoader func(ctx context.Context) (plan.Limits, error)

// Cache is a best-effort, per-process TTL cache. It is never authoritative.
type Cache interface {
	// Limits returns cached limits for userID or loads and caches them.
	// Concurrent misses for the same user share one load.
	Limits(ctx context.Context, userID string, load LimitsLoader) (plan.Limits, error)

	// InvalidateLimits drops cached limits for userID.
	InvalidateLimits(userID string)

	// Usage returns a recently observed counter value.
	Usage(key quota.Key) (int64, bool)

	// StoreUsage records a counter value observed in the store.
	StoreUsage(key quota.Key, value int64)

	// InvalidateUsage drops a cached counter value.
	InvalidateUsage(key quota.Key)
}

// -----------------------------------------------------------------------------
// Notification Port
// -----------------------------------------------------------------------------

// Alert is an operator notification.
type Alert struct {
	ID       string         `json:"id,omitempty"` // Lets receivers drop duplicates
	Severity string         `json:"severity"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
}

// Notifier delivers operator alerts. Callers treat delivery as
// fire-and-forget and only log failures.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}
