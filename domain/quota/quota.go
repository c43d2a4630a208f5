// Package quota provides pure functions for quota enforcement.
// All functions are deterministic with no side effects.
package quota

import (
	"fmt"
	"time"

	"github.com/artpar/usagegate/domain/plan"
)

// Reasons for denial
const (
	ReasonLimitExceeded = "limit_exceeded"
	ReasonFileTooLarge  = "file_too_large"
	ReasonUnavailable   = "unavailable"
)

// Key identifies a usage counter (value type).
// It doubles as the cache key for recent usage reads.
type Key struct {
	UserID      string
	Resource    plan.Resource
	PeriodStart time.Time
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Resource, k.UserID, k.PeriodStart.UTC().Format("2006-01"))
}

// Period is a half-open usage interval [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// cumulative is the period used for non-periodic resources.
var cumulative = Period{
	Start: time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
}

// PeriodBounds returns the calendar month containing t, in UTC.
// This is a PURE function.
func PeriodBounds(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// PeriodFor returns the counting period for a resource at time t.
// This is a PURE function.
func PeriodFor(r plan.Resource, t time.Time) Period {
	if !r.Periodic() {
		return cumulative
	}
	return PeriodBounds(t)
}

// KeyFor builds the counter key for a user and resource at time t.
func KeyFor(userID string, r plan.Resource, t time.Time) Key {
	return Key{UserID: userID, Resource: r, PeriodStart: PeriodFor(r, t).Start}
}

// WarningLevel indicates how close to the limit the user is.
type WarningLevel int

const (
	WarningNone     WarningLevel = iota // < 70%
	WarningNotice                       // >= 70%
	WarningHigh                         // >= 85%
	WarningCritical                     // >= 95%
)

func (w WarningLevel) String() string {
	switch w {
	case WarningNone:
		return "none"
	case WarningNotice:
		return "notice"
	case WarningHigh:
		return "high"
	case WarningCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Threshold returns the percentage at which w starts.
func (w WarningLevel) Threshold() float64 {
	switch w {
	case WarningNotice:
		return 70
	case WarningHigh:
		return 85
	case WarningCritical:
		return 95
	}
	return 0
}

// LevelFor returns the warning level for a usage percentage.
// This is a PURE function.
func LevelFor(percent float64) WarningLevel {
	switch {
	case percent >= 95:
		return WarningCritical
	case percent >= 85:
		return WarningHigh
	case percent >= 70:
		return WarningNotice
	default:
		return WarningNone
	}
}

// Decision is the outcome of a check-and-reserve (value type).
type Decision struct {
	Allowed      bool
	CurrentUsage int64
	Limit        int64 // -1 = unlimited
	Percentage   float64
	Remaining    int64 // -1 = unlimited
	Reason       string
	Message      string
	Warning      WarningLevel
	// Crossed is set when this reservation moved usage into a higher warning level.
	Crossed bool
	// Key is the counter that was charged. Zero when nothing was reserved.
	Key Key
}

// Reserved reports whether the decision charged a counter.
func (d Decision) Reserved() bool {
	return d.Key != (Key{})
}

// Percent returns current/limit as a percentage, 0 for unlimited or zero limits.
// This is a PURE function.
func Percent(current, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(current) / float64(limit) * 100
}

// Remaining returns how much of the limit is left.
// This is a PURE function.
func Remaining(current, limit int64) int64 {
	if limit < 0 {
		return plan.Unlimited
	}
	if current >= limit {
		return 0
	}
	return limit - current
}

// Precheck rejects requests that can never succeed regardless of usage.
// It returns ok=false with the denial when the request must not reach the store.
// This is a PURE function.
func Precheck(limits plan.Limits, r plan.Resource, amount, current int64) (Decision, bool) {
	limit := limits.LimitFor(r)

	if r == plan.ResourceStorageBytes && limits.MaxFileSizeBytes >= 0 && amount > limits.MaxFileSizeBytes {
		d := Deny(current, limit, ReasonFileTooLarge)
		d.Message = fmt.Sprintf("file of %d bytes exceeds the %d byte limit for the %s plan", amount, limits.MaxFileSizeBytes, limits.Tier)
		return d, false
	}
	if limit >= 0 && amount > limit {
		return Deny(current, limit, ReasonLimitExceeded), false
	}
	return Decision{}, true
}

// Allow builds the decision for a successful reservation.
// before is the usage prior to the reservation, after includes it.
// This is a PURE function.
func Allow(before, after, limit int64) Decision {
	pct := Percent(after, limit)
	level := LevelFor(pct)
	return Decision{
		Allowed:      true,
		CurrentUsage: after,
		Limit:        limit,
		Percentage:   pct,
		Remaining:    Remaining(after, limit),
		Warning:      level,
		Crossed:      limit > 0 && level > LevelFor(Percent(before, limit)),
	}
}

// Deny builds a negative decision. No usage is charged.
// This is a PURE function.
func Deny(current, limit int64, reason string) Decision {
	pct := Percent(current, limit)
	d := Decision{
		Allowed:      false,
		CurrentUsage: current,
		Limit:        limit,
		Percentage:   pct,
		Remaining:    Remaining(current, limit),
		Reason:       reason,
		Warning:      LevelFor(pct),
	}
	switch reason {
	case ReasonLimitExceeded:
		d.Message = "usage limit reached for this billing period; upgrade your plan for more"
	case ReasonUnavailable:
		d.Message = "usage could not be verified; try again shortly"
	}
	return d
}

// Usage is a read-only snapshot of one counter.
type Usage struct {
	Resource   plan.Resource
	Current    int64
	Limit      int64
	Percentage float64
	Remaining  int64
	Period     Period
}

// Snapshot builds a Usage value.
// This is a PURE function.
func Snapshot(r plan.Resource, current, limit int64, p Period) Usage {
	return Usage{
		Resource:   r,
		Current:    current,
		Limit:      limit,
		Percentage: Percent(current, limit),
		Remaining:  Remaining(current, limit),
		Period:     p,
	}
}
