// Package billing provides subscription value types and the pure rules
// webhook handlers use to apply provider events to them.
package billing

import (
	"time"

	"github.com/artpar/usagegate/domain/plan"
)

// Status represents subscription state.
type Status string

const (
	StatusActive    Status = "active"
	StatusTrialing  Status = "trialing"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusUnpaid    Status = "unpaid"
)

// ParseStatus maps a provider status string to a Status.
// Unrecognised values map to past_due so paid tiers are not granted blindly.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCancelled, StatusUnpaid:
		return Status(s)
	case "canceled":
		return StatusCancelled
	case "incomplete", "incomplete_expired":
		return StatusUnpaid
	}
	return StatusPastDue
}

// Subscription links a user to a plan tier (value type).
type Subscription struct {
	UserID           string
	CustomerID       string
	SubscriptionID   string
	Tier             plan.Tier
	Status           Status
	CurrentPeriodEnd time.Time
	EventCreatedAt   time.Time // Provider timestamp of the event that last wrote this row
	UpdatedAt        time.Time

	// UsageResetEventID is the checkout event whose usage reset has been
	// applied. Save never changes it; only MarkUsageReset does.
	UsageResetEventID string
}

// IsActive returns true if the subscription grants its tier.
func (s Subscription) IsActive() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing || s.Status == StatusPastDue
}

// EffectiveTier returns the tier whose limits apply.
// Cancelled and unpaid subscriptions fall back to free.
// This is a PURE function.
func EffectiveTier(s Subscription, found bool) plan.Tier {
	if !found || !s.IsActive() || !s.Tier.Valid() {
		return plan.TierFree
	}
	return s.Tier
}

// Change is the partial update an event wants to apply.
// Empty fields keep the stored value.
type Change struct {
	UserID           string
	CustomerID       string
	SubscriptionID   string
	Tier             plan.Tier
	Status           Status
	CurrentPeriodEnd time.Time
	EventCreatedAt   time.Time
}

// Apply merges change into current unless current was written by a later
// event. It returns the merged value and whether anything should be written.
// This is a PURE function.
func Apply(current Subscription, found bool, c Change, now time.Time) (Subscription, bool) {
	if found && c.EventCreatedAt.Before(current.EventCreatedAt) {
		return current, false
	}

	next := current
	if !found {
		next = Subscription{Tier: plan.TierFree, Status: StatusActive}
	}
	if c.UserID != "" {
		next.UserID = c.UserID
	}
	if c.CustomerID != "" {
		next.CustomerID = c.CustomerID
	}
	if c.SubscriptionID != "" {
		next.SubscriptionID = c.SubscriptionID
	}
	if c.Tier != "" {
		next.Tier = c.Tier
	}
	if c.Status != "" {
		next.Status = c.Status
	}
	if !c.CurrentPeriodEnd.IsZero() {
		next.CurrentPeriodEnd = c.CurrentPeriodEnd
	}
	next.EventCreatedAt = c.EventCreatedAt
	next.UpdatedAt = now
	return next, true
}
