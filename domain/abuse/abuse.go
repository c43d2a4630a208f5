// Package abuse provides pure functions for detecting abusive traffic
// patterns and deriving suspensions from them.
package abuse

import (
	"fmt"
	"time"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Pattern names a detected behaviour.
type Pattern string

const (
	PatternSuspicious    Pattern = "suspicious_pattern" // One user, many IPs
	PatternRapidRequests Pattern = "rapid_requests"     // One IP, many requests
	PatternQuotaAbuse    Pattern = "quota_abuse"        // One user, many conversions
)

// Thresholds configures detection (value type).
type Thresholds struct {
	DistinctIPs        int           // Max distinct IPs per user in the window
	Activity           int           // Max requests per IP in the window
	Window             time.Duration // Detection window
	SuspensionDuration time.Duration // How long high-severity findings suspend for
	ReviewPatterns     []Pattern     // Patterns whose suspensions need manual lifting
}

// DefaultThresholds returns the reference values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DistinctIPs:        5,
		Activity:           1000,
		Window:             time.Hour,
		SuspensionDuration: 24 * time.Hour,
	}
}

// Signals are the counts observed for one request (value type).
// Zero values mean the signal was not gathered.
type Signals struct {
	UserID          string
	IP              string
	DistinctIPs     int // Distinct IPs seen for UserID in the window
	IPRequests      int // Requests from IP in the window
	UserConversions int // Conversion attempts by UserID in the window
}

// Finding is one detected pattern (value type).
type Finding struct {
	Identifier string // "user:<id>" or "ip:<addr>"
	Pattern    Pattern
	Severity   Severity
	Observed   int
	Threshold  int
	Detail     string
}

// Detect evaluates signals against thresholds.
// This is a PURE function.
func Detect(s Signals, th Thresholds) []Finding {
	var findings []Finding

	if s.UserID != "" && th.DistinctIPs > 0 && s.DistinctIPs > th.DistinctIPs {
		findings = append(findings, Finding{
			Identifier: "user:" + s.UserID,
			Pattern:    PatternSuspicious,
			Severity:   SeverityMedium,
			Observed:   s.DistinctIPs,
			Threshold:  th.DistinctIPs,
			Detail:     fmt.Sprintf("user seen from %d distinct IPs", s.DistinctIPs),
		})
	}

	if s.IP != "" && th.Activity > 0 && s.IPRequests > th.Activity {
		findings = append(findings, Finding{
			Identifier: "ip:" + s.IP,
			Pattern:    PatternRapidRequests,
			Severity:   SeverityHigh,
			Observed:   s.IPRequests,
			Threshold:  th.Activity,
			Detail:     fmt.Sprintf("%d requests from one IP", s.IPRequests),
		})
	}

	half := th.Activity / 2
	if s.UserID != "" && half > 0 && s.UserConversions > half {
		findings = append(findings, Finding{
			Identifier: "user:" + s.UserID,
			Pattern:    PatternQuotaAbuse,
			Severity:   SeverityMedium,
			Observed:   s.UserConversions,
			Threshold:  half,
			Detail:     fmt.Sprintf("%d conversion attempts by one user", s.UserConversions),
		})
	}

	return findings
}

// ShouldSuspend reports whether a finding triggers an immediate suspension.
func ShouldSuspend(f Finding) bool {
	return f.Severity == SeverityHigh
}

// Suspension is a time-bounded block on an identifier (value type).
type Suspension struct {
	Identifier     string
	Reason         Pattern
	Severity       Severity
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Active         bool
	RequiresReview bool
}

// InEffect reports whether s blocks requests at now.
// Review suspensions stay in effect until lifted.
// This is a PURE function.
func (s Suspension) InEffect(now time.Time) bool {
	if !s.Active {
		return false
	}
	return s.RequiresReview || now.Before(s.ExpiresAt)
}

// Expired reports whether s should be deactivated by a sweep.
func (s Suspension) Expired(now time.Time) bool {
	return s.Active && !s.RequiresReview && !now.Before(s.ExpiresAt)
}

// SuspensionFor derives the suspension for a finding.
// This is a PURE function.
func SuspensionFor(f Finding, th Thresholds, now time.Time) Suspension {
	review := false
	for _, p := range th.ReviewPatterns {
		if p == f.Pattern {
			review = true
			break
		}
	}
	return Suspension{
		Identifier:     f.Identifier,
		Reason:         f.Pattern,
		Severity:       f.Severity,
		CreatedAt:      now,
		ExpiresAt:      now.Add(th.SuspensionDuration),
		Active:         true,
		RequiresReview: review,
	}
}
