package bootstrap

import (
	"testing"
	"time"

	"github.com/artpar/usagegate/app"
	"github.com/artpar/usagegate/config"
	"github.com/artpar/usagegate/domain/abuse"
	"github.com/artpar/usagegate/domain/plan"
)

func TestQuotaSettings_Policy(t *testing.T) {
	cfg := loadTestConfig(t, "")
	if got := quotaSettings(cfg).Policy; got != app.FailClosed {
		t.Errorf("default quota policy = %v, want fail closed", got)
	}

	cfg.Quota.FailOpen = true
	if got := quotaSettings(cfg).Policy; got != app.FailOpen {
		t.Errorf("quota policy = %v, want fail open", got)
	}
}

func TestRateLimitSettings(t *testing.T) {
	cfg := loadTestConfig(t, `
ratelimit:
  conversions_per_minute: 4
  ip_requests_per_minute: 40
  backoff_base_seconds: 2
  max_backoff_minutes: 30
  fail_closed: true
abuse:
  detection_window_hours: 2
  suspension_hours: 48
  review_patterns: ["rapid_requests"]
`)
	rc := rateLimitSettings(cfg)

	if rc.Conversion.Limit != 4 || rc.General.Limit != 40 {
		t.Errorf("limits = %d/%d, want 4/40", rc.Conversion.Limit, rc.General.Limit)
	}
	if rc.Conversion.Window != time.Minute {
		t.Errorf("window = %v, want 1m", rc.Conversion.Window)
	}
	if rc.General.BackoffBase != 2*time.Second || rc.General.BackoffCap != 30*time.Minute {
		t.Errorf("backoff = %v..%v, want 2s..30m", rc.General.BackoffBase, rc.General.BackoffCap)
	}
	if rc.Policy != app.FailClosed {
		t.Errorf("policy = %v, want fail closed", rc.Policy)
	}
	if rc.Abuse.Window != 2*time.Hour || rc.Abuse.SuspensionDuration != 48*time.Hour {
		t.Errorf("abuse window/suspension = %v/%v", rc.Abuse.Window, rc.Abuse.SuspensionDuration)
	}
	if len(rc.Abuse.ReviewPatterns) != 1 || rc.Abuse.ReviewPatterns[0] != abuse.Pattern("rapid_requests") {
		t.Errorf("review patterns = %v", rc.Abuse.ReviewPatterns)
	}
}

func TestWebhookAndHealthSettings(t *testing.T) {
	cfg := loadTestConfig(t, `
webhook:
  secret: whsec_boot
  max_attempts: 5
  retry_base: 10s
  retry_max: 20m
health:
  success_warning: 0.9
  success_critical: 0.5
`)
	wc := webhookSettings(cfg)
	if wc.Secret != "whsec_boot" {
		t.Errorf("secret = %q", wc.Secret)
	}
	if wc.Retry.MaxAttempts != 5 || wc.Retry.BaseDelay != 10*time.Second || wc.Retry.MaxDelay != 20*time.Minute {
		t.Errorf("retry = %+v", wc.Retry)
	}

	hc := healthSettings(cfg)
	if hc.Retry != wc.Retry {
		t.Errorf("health retry policy %+v differs from webhook %+v", hc.Retry, wc.Retry)
	}
	if hc.Thresholds.SuccessWarning != 0.9 || hc.Thresholds.SuccessCritical != 0.5 {
		t.Errorf("thresholds = %+v", hc.Thresholds)
	}
}

func TestPlanLimits_Overrides(t *testing.T) {
	cfg := loadTestConfig(t, `
plans:
  - tier: pro
    conversions_per_month: 2500
  - tier: agency
    api_calls_per_month: -1
`)
	limits := planLimits(cfg)
	if len(limits) != 3 {
		t.Fatalf("got %d tiers, want 3", len(limits))
	}

	pro, _ := plan.Find(limits, plan.TierPro)
	if pro.ConversionsPerMonth != 2500 {
		t.Errorf("pro conversions = %d, want 2500", pro.ConversionsPerMonth)
	}
	def, _ := plan.Find(plan.Defaults(), plan.TierPro)
	if pro.APICallsPerMonth != def.APICallsPerMonth {
		t.Errorf("pro api calls = %d, want default %d", pro.APICallsPerMonth, def.APICallsPerMonth)
	}

	agency, _ := plan.Find(limits, plan.TierAgency)
	if agency.APICallsPerMonth != plan.Unlimited {
		t.Errorf("agency api calls = %d, want unlimited", agency.APICallsPerMonth)
	}
}

func TestPriceTiers(t *testing.T) {
	cfg := &config.Config{Billing: config.BillingConfig{PriceTiers: map[string]string{"price_pro": "pro"}}}
	got := priceTiers(cfg)
	if got["price_pro"] != plan.TierPro {
		t.Errorf("price_pro = %q, want pro", got["price_pro"])
	}
}
