package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/artpar/usagegate/adapters/cache"
	"github.com/artpar/usagegate/adapters/clock"
	"github.com/artpar/usagegate/adapters/memory"
	"github.com/artpar/usagegate/adapters/payment"
	"github.com/artpar/usagegate/app"
	"github.com/artpar/usagegate/core/events"
	"github.com/artpar/usagegate/domain/billing"
	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/domain/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type billingFixture struct {
	proc     *app.WebhookProcessor
	handlers *app.BillingHandlers
	resetter *flakyResetter
	quota  *app.QuotaService
	subs   *memory.SubscriptionStore
	events *recorder
	clock  *clock.Fake
}

func newBillingFixture(t *testing.T) *billingFixture {
	t.Helper()
	f := &billingFixture{
		subs:   memory.NewSubscriptionStore(),
		events: &recorder{},
		clock:  newTestClock(),
	}
	c := cache.New(cache.DefaultConfig())
	t.Cleanup(c.Stop)

	f.quota = app.NewQuotaService(app.QuotaDeps{
		Usage:         memory.NewUsageStore(4),
		Plans:         seededPlans(),
		Subscriptions: f.subs,
		Cache:         c,
		Events:        f.events,
		Clock:         f.clock,
		Logger:        testLogger(),
	}, app.DefaultQuotaConfig())

	f.resetter = &flakyResetter{PlanResetter: f.quota}
	handlers := app.NewBillingHandlers(app.BillingDeps{
		Subscriptions: f.subs,
		Quota:         f.resetter,
		Decoder:       payment.NewStripeDecoder(map[string]plan.Tier{"price_agency": plan.TierAgency}),
		Events:        f.events,
		Clock:         f.clock,
		Logger:        testLogger(),
	})
	f.handlers = handlers

	cfg := app.DefaultWebhookConfig()
	cfg.Secret = testSecret
	f.proc = app.NewWebhookProcessor(app.WebhookDeps{
		Store:    memory.NewWebhookEventStore(),
		Handlers: handlers.Table(),
		Events:   f.events,
		Clock:    f.clock,
		Logger:   testLogger(),
	}, cfg)
	return f
}

// flakyResetter fails the next fails resets.
type flakyResetter struct {
	app.PlanResetter
	fails int
}

func (r *flakyResetter) ResetUser(ctx context.Context, userID string) error {
	if r.fails > 0 {
		r.fails--
		return errors.New("usage store down")
	}
	return r.PlanResetter.ResetUser(ctx, userID)
}

func checkoutEvent(t *testing.T, id string, created time.Time, userID string) webhook.Event {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    "checkout.session.completed",
		"created": created.Unix(),
		"data": map[string]any{"object": map[string]any{
			"id": "cs_1", "client_reference_id": userID, "customer": "cus_1",
			"metadata": map[string]string{"tier": "pro"},
		}},
	})
	require.NoError(t, err)
	return webhook.Event{
		EventID:        id,
		Type:           "checkout.session.completed",
		Payload:        payload,
		CreatedAt:      created,
		EventCreatedAt: created.Truncate(time.Second),
	}
}

func (f *billingFixture) send(t *testing.T, id, typ string, created time.Time, object map[string]any) app.IntakeResult {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    typ,
		"created": created.Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	res, err := f.proc.Intake(context.Background(), payload, webhook.SignatureHeader(payload, testSecret, f.clock.Now()))
	require.NoError(t, err)
	return res
}

func (f *billingFixture) subscription(t *testing.T, userID string) billing.Subscription {
	t.Helper()
	s, err := f.subs.Get(context.Background(), userID)
	require.NoError(t, err)
	return s
}

func TestBilling_CheckoutGrantsTierAndResetsUsage(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t)

	for i := 0; i < 10; i++ {
		_, err := f.quota.CheckAndReserve(ctx, "u1", plan.ResourceConversions, 1)
		require.NoError(t, err)
	}
	d, err := f.quota.CheckAndReserve(ctx, "u1", plan.ResourceConversions, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	res := f.send(t, "evt_1", "checkout.session.completed", f.clock.Now(), map[string]any{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"client_reference_id": "u1",
		"customer":            "cus_1",
		"metadata":            map[string]string{"tier": "pro"},
	})
	assert.Equal(t, app.IntakeProcessed, res.Status)

	sub := f.subscription(t, "u1")
	assert.Equal(t, plan.TierPro, sub.Tier)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Equal(t, "cus_1", sub.CustomerID)
	assert.Equal(t, 1, f.events.count(events.KindSubscriptionChange))

	d, err = f.quota.CheckAndReserve(ctx, "u1", plan.ResourceConversions, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.CurrentUsage, "counters restart at zero")
	assert.Equal(t, int64(1000), d.Limit)
}

func TestBilling_OlderEventsDoNotOverwriteNewer(t *testing.T) {
	f := newBillingFixture(t)
	now := f.clock.Now()

	f.send(t, "evt_new", "customer.subscription.updated", now, map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "active",
		"metadata": map[string]string{"user_id": "u1"},
		"items": map[string]any{"data": []any{
			map[string]any{"id": "si_1", "price": map[string]any{"id": "price_agency"}},
		}},
	})
	require.Equal(t, plan.TierAgency, f.subscription(t, "u1").Tier)

	res := f.send(t, "evt_old", "customer.subscription.updated", now.Add(-time.Hour), map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "active",
		"metadata": map[string]string{"user_id": "u1", "tier": "pro"},
	})
	assert.Equal(t, app.IntakeProcessed, res.Status, "stale events are acknowledged")
	assert.Equal(t, plan.TierAgency, f.subscription(t, "u1").Tier)
}

func TestBilling_DeletionRevertsToFree(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t)
	now := f.clock.Now()

	f.send(t, "evt_1", "checkout.session.completed", now, map[string]any{
		"id": "cs_1", "client_reference_id": "u1", "customer": "cus_1",
		"metadata": map[string]string{"tier": "pro"},
	})
	limits, err := f.quota.Limits(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, plan.TierPro, limits.Tier)

	f.send(t, "evt_2", "customer.subscription.deleted", now.Add(time.Minute), map[string]any{
		"id": "sub_1", "customer": "cus_1", "status": "canceled",
		"metadata": map[string]string{"user_id": "u1"},
	})

	sub := f.subscription(t, "u1")
	assert.Equal(t, plan.TierFree, sub.Tier)
	assert.Equal(t, billing.StatusCancelled, sub.Status)

	limits, err = f.quota.Limits(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plan.TierFree, limits.Tier, "cached limits are invalidated")
}

func TestBilling_InvoiceStatusByCustomer(t *testing.T) {
	f := newBillingFixture(t)
	now := f.clock.Now()

	f.send(t, "evt_1", "checkout.session.completed", now, map[string]any{
		"id": "cs_1", "client_reference_id": "u1", "customer": "cus_1",
		"metadata": map[string]string{"tier": "pro"},
	})

	f.send(t, "evt_2", "invoice.payment_failed", now.Add(time.Minute), map[string]any{
		"id": "in_1", "customer": "cus_1",
	})
	sub := f.subscription(t, "u1")
	assert.Equal(t, billing.StatusPastDue, sub.Status)
	assert.Equal(t, plan.TierPro, sub.Tier, "past due keeps the tier")

	f.send(t, "evt_3", "invoice.paid", now.Add(2*time.Minute), map[string]any{
		"id": "in_2", "customer": "cus_1",
	})
	assert.Equal(t, billing.StatusActive, f.subscription(t, "u1").Status)
}

func TestBilling_UnknownCustomerIsRetried(t *testing.T) {
	f := newBillingFixture(t)

	res := f.send(t, "evt_1", "invoice.paid", f.clock.Now(), map[string]any{
		"id": "in_1", "customer": "cus_unknown",
	})
	assert.Equal(t, app.IntakeRetrying, res.Status)

	ev, err := f.proc.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Contains(t, ev.LastError, "cus_unknown")
}

func TestBilling_CheckoutWithoutTierFails(t *testing.T) {
	f := newBillingFixture(t)

	res := f.send(t, "evt_1", "checkout.session.completed", f.clock.Now(), map[string]any{
		"id": "cs_1", "client_reference_id": "u1",
	})
	assert.Equal(t, app.IntakeRetrying, res.Status)

	_, err := f.subs.Get(context.Background(), "u1")
	assert.Error(t, err)
}

func TestBilling_CheckoutRerunKeepsLaterUsage(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t)
	ev := checkoutEvent(t, "evt_1", f.clock.Now(), "u1")

	require.NoError(t, f.handlers.HandleCheckoutCompleted(ctx, ev))
	for i := 0; i < 5; i++ {
		d, err := f.quota.CheckAndReserve(ctx, "u1", plan.ResourceConversions, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	// Same event again, e.g. after the outcome write was lost.
	require.NoError(t, f.handlers.HandleCheckoutCompleted(ctx, ev))

	usage, err := f.quota.GetUsage(ctx, "u1")
	require.NoError(t, err)
	for _, u := range usage {
		if u.Resource == plan.ResourceConversions {
			assert.Equal(t, int64(5), u.Current, "a rerun must not reset usage again")
		}
	}
	assert.Equal(t, "evt_1", f.subscription(t, "u1").UsageResetEventID)
}

func TestBilling_CheckoutResetRetriedAfterFailure(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.quota.CheckAndReserve(ctx, "u1", plan.ResourceConversions, 1)
		require.NoError(t, err)
	}
	ev := checkoutEvent(t, "evt_1", f.clock.Now(), "u1")

	f.resetter.fails = 1
	require.Error(t, f.handlers.HandleCheckoutCompleted(ctx, ev))
	assert.Empty(t, f.subscription(t, "u1").UsageResetEventID)

	require.NoError(t, f.handlers.HandleCheckoutCompleted(ctx, ev))
	d, err := f.quota.CheckAndReserve(ctx, "u1", plan.ResourceConversions, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.CurrentUsage, "the retried reset ran")

	// A new checkout resets again.
	require.NoError(t, f.handlers.HandleCheckoutCompleted(ctx, checkoutEvent(t, "evt_2", f.clock.Now().Add(time.Minute), "u1")))
	d, err = f.quota.CheckAndReserve(ctx, "u1", plan.ResourceConversions, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.CurrentUsage)
}
