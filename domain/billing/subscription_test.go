package billing_test

import (
	"testing"
	"time"

	"github.com/artpar/usagegate/domain/billing"
	"github.com/artpar/usagegate/domain/plan"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func TestEffectiveTier(t *testing.T) {
	tests := []struct {
		name  string
		sub   billing.Subscription
		found bool
		want  plan.Tier
	}{
		{"no subscription", billing.Subscription{}, false, plan.TierFree},
		{"active pro", billing.Subscription{Tier: plan.TierPro, Status: billing.StatusActive}, true, plan.TierPro},
		{"past due keeps tier", billing.Subscription{Tier: plan.TierAgency, Status: billing.StatusPastDue}, true, plan.TierAgency},
		{"cancelled", billing.Subscription{Tier: plan.TierPro, Status: billing.StatusCancelled}, true, plan.TierFree},
		{"unpaid", billing.Subscription{Tier: plan.TierPro, Status: billing.StatusUnpaid}, true, plan.TierFree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := billing.EffectiveTier(tt.sub, tt.found); got != tt.want {
				t.Errorf("EffectiveTier() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApply_NewSubscription(t *testing.T) {
	sub, write := billing.Apply(billing.Subscription{}, false, billing.Change{
		UserID:         "u1",
		Tier:           plan.TierPro,
		Status:         billing.StatusActive,
		EventCreatedAt: baseTime,
	}, baseTime)

	if !write {
		t.Fatal("expected write")
	}
	if sub.Tier != plan.TierPro || sub.UserID != "u1" {
		t.Errorf("got %+v", sub)
	}
}

func TestApply_OutOfOrderEventIgnored(t *testing.T) {
	current := billing.Subscription{UserID: "u1", Tier: plan.TierFree, Status: billing.StatusCancelled, EventCreatedAt: baseTime}

	// A stale "updated to pro" arrives after the cancellation.
	got, write := billing.Apply(current, true, billing.Change{
		Tier:           plan.TierPro,
		Status:         billing.StatusActive,
		EventCreatedAt: baseTime.Add(-time.Hour),
	}, baseTime.Add(time.Minute))

	if write {
		t.Error("stale event must not be written")
	}
	if got != current {
		t.Errorf("stale event changed state: %+v", got)
	}
}

func TestApply_SameEventTwiceIsIdempotent(t *testing.T) {
	c := billing.Change{UserID: "u1", Tier: plan.TierAgency, Status: billing.StatusActive, EventCreatedAt: baseTime}

	first, _ := billing.Apply(billing.Subscription{}, false, c, baseTime)
	second, write := billing.Apply(first, true, c, baseTime)

	if !write {
		t.Error("equal timestamps should re-apply")
	}
	if second.Tier != first.Tier || second.Status != first.Status {
		t.Errorf("re-applying changed state: %+v vs %+v", first, second)
	}
}

func TestParseStatus(t *testing.T) {
	tests := map[string]billing.Status{
		"active":     billing.StatusActive,
		"canceled":   billing.StatusCancelled,
		"incomplete": billing.StatusUnpaid,
		"whatever":   billing.StatusPastDue,
	}
	for in, want := range tests {
		if got := billing.ParseStatus(in); got != want {
			t.Errorf("ParseStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
