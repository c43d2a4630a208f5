package metrics_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/artpar/usagegate/adapters/metrics"
	"github.com/artpar/usagegate/core/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestNew(t *testing.T) {
	// Use a new registry to avoid conflicts with other tests
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	if m == nil {
		t.Fatal("NewWithRegistry returned nil")
	}
	if m.RequestsTotal == nil || m.QuotaDecisions == nil || m.WebhookEvents == nil || m.HealthLevel == nil {
		t.Error("collector has nil metrics")
	}
}

func TestRequestsTotal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.RequestsTotal.WithLabelValues("POST", "/v1/quota/check", "200").Inc()
	m.RequestsTotal.WithLabelValues("POST", "/webhooks/stripe", "400").Add(5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "usagegate_requests_total" {
			found = true
			if len(f.GetMetric()) != 2 {
				t.Errorf("expected 2 metric series, got %d", len(f.GetMetric()))
			}
		}
	}
	if !found {
		t.Error("usagegate_requests_total metric not found")
	}
}

func TestObserve_Quota(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	now := time.Now()

	m.Observe(events.QuotaReserved{Resource: "conversions", At: now})
	m.Observe(events.QuotaReserved{Resource: "conversions", At: now})
	m.Observe(events.QuotaDenied{Resource: "conversions", Reason: "limit_exceeded", At: now})
	m.Observe(events.QuotaUnavailable{Resource: "storage_bytes", FailOpen: false, At: now})
	m.Observe(events.QuotaWarning{Resource: "conversions", Level: "critical", At: now})

	if got := testutil.ToFloat64(m.QuotaDecisions.WithLabelValues("conversions", "reserved")); got != 2 {
		t.Errorf("reserved = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.QuotaDecisions.WithLabelValues("conversions", "denied_limit_exceeded")); got != 1 {
		t.Errorf("denied = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QuotaDecisions.WithLabelValues("storage_bytes", "unavailable_closed")); got != 1 {
		t.Errorf("unavailable = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QuotaWarnings.WithLabelValues("conversions", "critical")); got != 1 {
		t.Errorf("warnings = %v, want 1", got)
	}
}

func TestObserve_RateLimitAndAbuse(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	m.Observe(events.RateLimitDecision{Class: "conversion", Allowed: false, Reason: "rate_limit_exceeded"})
	m.Observe(events.RateLimitDecision{Class: "general", Allowed: true, Reason: "store_unavailable"})
	m.Observe(events.AbuseDetected{Pattern: "rapid_requests", Severity: "high", Suspended: true})

	if got := testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("conversion", "limited")); got != 1 {
		t.Errorf("limited = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("general", "fail_open")); got != 1 {
		t.Errorf("fail_open = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Suspensions); got != 1 {
		t.Errorf("suspensions = %v, want 1", got)
	}
}

func TestObserve_WebhookAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.Observe(events.WebhookOutcome{Type: "invoice.paid", Outcome: events.KindWebhookProcessed, Latency: 2 * time.Second})
	m.Observe(events.WebhookOutcome{Type: "invoice.paid", Outcome: events.KindWebhookDeadLetter})
	m.Observe(events.HealthReported{Overall: "critical", SuccessRate: 0.5, Backlog: 3, DeadLetters: 12})

	if got := testutil.ToFloat64(m.WebhookEvents.WithLabelValues("invoice.paid", "processed")); got != 1 {
		t.Errorf("processed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.WebhookEvents.WithLabelValues("invoice.paid", "dead_lettered")); got != 1 {
		t.Errorf("dead_lettered = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HealthLevel); got != 2 {
		t.Errorf("health level = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.WebhookDeadLetters); got != 12 {
		t.Errorf("dead letters = %v, want 12", got)
	}
	if n := testutil.CollectAndCount(m.WebhookLatency); n != 1 {
		t.Errorf("latency series = %d, want 1", n)
	}
}

func TestRun_ConsumesBus(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	bus := events.NewBus(zerolog.Nop())
	sub := bus.Subscribe(16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, sub)
		close(done)
	}()

	bus.Publish(events.QuotaReserved{Resource: "api_calls", At: time.Now()})

	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(m.QuotaDecisions.WithLabelValues("api_calls", "reserved")) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("event was not observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNormalizePath(t *testing.T) {
	if got := metrics.NormalizePath(""); got != "unmatched" {
		t.Errorf("empty path = %q", got)
	}
	if got := metrics.NormalizePath("/v1/quota/check"); got != "/v1/quota/check" {
		t.Errorf("short path changed: %q", got)
	}
	long := "/" + strings.Repeat("a", 60)
	if got := metrics.NormalizePath(long); len(got) != 53 {
		t.Errorf("long path not truncated: len %d", len(got))
	}
}

func TestRegisterBusDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	var dropped int64 = 3
	if err := metrics.RegisterBusDrops(reg, func() int64 { return dropped }); err != nil {
		t.Fatalf("RegisterBusDrops() error = %v", err)
	}

	expected := `
# HELP usagegate_event_bus_dropped_total Events dropped because a subscriber buffer was full
# TYPE usagegate_event_bus_dropped_total counter
usagegate_event_bus_dropped_total 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "usagegate_event_bus_dropped_total"); err != nil {
		t.Error(err)
	}
}
