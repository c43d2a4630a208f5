package abuse_test

import (
	"testing"
	"time"

	"github.com/artpar/usagegate/domain/abuse"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func TestDetect(t *testing.T) {
	th := abuse.DefaultThresholds()

	tests := []struct {
		name     string
		signals  abuse.Signals
		patterns []abuse.Pattern
	}{
		{
			name:    "quiet user",
			signals: abuse.Signals{UserID: "u1", IP: "1.2.3.4", DistinctIPs: 2, IPRequests: 40, UserConversions: 3},
		},
		{
			name:     "many ips",
			signals:  abuse.Signals{UserID: "u1", DistinctIPs: 6},
			patterns: []abuse.Pattern{abuse.PatternSuspicious},
		},
		{
			name:    "ips at threshold is not suspicious",
			signals: abuse.Signals{UserID: "u1", DistinctIPs: 5},
		},
		{
			name:     "rapid requests",
			signals:  abuse.Signals{IP: "1.2.3.4", IPRequests: 1001},
			patterns: []abuse.Pattern{abuse.PatternRapidRequests},
		},
		{
			name:     "conversions above half threshold",
			signals:  abuse.Signals{UserID: "u1", UserConversions: 501},
			patterns: []abuse.Pattern{abuse.PatternQuotaAbuse},
		},
		{
			name:     "everything at once",
			signals:  abuse.Signals{UserID: "u1", IP: "1.2.3.4", DistinctIPs: 9, IPRequests: 5000, UserConversions: 900},
			patterns: []abuse.Pattern{abuse.PatternSuspicious, abuse.PatternRapidRequests, abuse.PatternQuotaAbuse},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := abuse.Detect(tt.signals, th)
			if len(got) != len(tt.patterns) {
				t.Fatalf("got %d findings, want %d: %+v", len(got), len(tt.patterns), got)
			}
			for i, p := range tt.patterns {
				if got[i].Pattern != p {
					t.Errorf("finding[%d] = %q, want %q", i, got[i].Pattern, p)
				}
			}
		})
	}
}

func TestDetect_Severities(t *testing.T) {
	findings := abuse.Detect(abuse.Signals{UserID: "u1", IP: "9.9.9.9", DistinctIPs: 9, IPRequests: 5000}, abuse.DefaultThresholds())

	for _, f := range findings {
		switch f.Pattern {
		case abuse.PatternRapidRequests:
			if f.Severity != abuse.SeverityHigh || !abuse.ShouldSuspend(f) {
				t.Error("rapid requests should be high severity and suspend")
			}
			if f.Identifier != "ip:9.9.9.9" {
				t.Errorf("identifier = %q, want ip:9.9.9.9", f.Identifier)
			}
		case abuse.PatternSuspicious:
			if abuse.ShouldSuspend(f) {
				t.Error("medium findings must not suspend")
			}
		}
	}
}

func TestSuspension_Lifecycle(t *testing.T) {
	th := abuse.DefaultThresholds()
	f := abuse.Finding{Identifier: "ip:1.1.1.1", Pattern: abuse.PatternRapidRequests, Severity: abuse.SeverityHigh}

	s := abuse.SuspensionFor(f, th, baseTime)

	if !s.InEffect(baseTime.Add(23 * time.Hour)) {
		t.Error("suspension should be in effect before 24h")
	}
	if s.InEffect(baseTime.Add(24 * time.Hour)) {
		t.Error("suspension should expire after 24h")
	}
	if !s.Expired(baseTime.Add(25 * time.Hour)) {
		t.Error("sweep should see the suspension as expired")
	}
}

func TestSuspension_ReviewDoesNotExpire(t *testing.T) {
	th := abuse.DefaultThresholds()
	th.ReviewPatterns = []abuse.Pattern{abuse.PatternRapidRequests}
	f := abuse.Finding{Identifier: "ip:1.1.1.1", Pattern: abuse.PatternRapidRequests, Severity: abuse.SeverityHigh}

	s := abuse.SuspensionFor(f, th, baseTime)

	if !s.RequiresReview {
		t.Fatal("expected review flag")
	}
	if !s.InEffect(baseTime.Add(72 * time.Hour)) {
		t.Error("review suspension must stay in effect until lifted")
	}
	if s.Expired(baseTime.Add(72 * time.Hour)) {
		t.Error("review suspension must not be swept")
	}

	s.Active = false
	if s.InEffect(baseTime) {
		t.Error("lifted suspension must not block")
	}
}
