package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/usagegate/core/events"
	"github.com/artpar/usagegate/domain/billing"
	"github.com/artpar/usagegate/domain/errs"
	"github.com/artpar/usagegate/domain/webhook"
	"github.com/artpar/usagegate/ports"
	"github.com/rs/zerolog"
)

// BillingDecoder turns provider objects into subscription changes.
type BillingDecoder interface {
	Checkout(obj json.RawMessage, eventAt time.Time) (billing.Change, error)
	Subscription(obj json.RawMessage, eventAt time.Time, deleted bool) (billing.Change, error)
	Invoice(obj json.RawMessage, eventAt time.Time, paid bool) (billing.Change, error)
}

// PlanResetter is the part of the quota service billing events drive.
type PlanResetter interface {
	InvalidatePlan(userID string)
	ResetUser(ctx context.Context, userID string) error
}

// BillingDeps contains dependencies for BillingHandlers.
type BillingDeps struct {
	Subscriptions ports.SubscriptionStore
	Quota         PlanResetter
	Decoder       BillingDecoder
	Events        ports.EventPublisher
	Clock         ports.Clock
	Logger        zerolog.Logger
}

// BillingHandlers apply payment provider events to subscriptions. Every
// write is an upsert guarded by the provider's event timestamp, so replays
// and out-of-order deliveries converge on the newest state.
type BillingHandlers struct {
	subs    ports.SubscriptionStore
	quota   PlanResetter
	decoder BillingDecoder
	events  ports.EventPublisher
	clock   ports.Clock
	logger  zerolog.Logger
}

// NewBillingHandlers creates the billing handler set.
func NewBillingHandlers(deps BillingDeps) *BillingHandlers {
	return &BillingHandlers{
		subs:    deps.Subscriptions,
		quota:   deps.Quota,
		decoder: deps.Decoder,
		events:  deps.Events,
		clock:   deps.Clock,
		logger:  deps.Logger,
	}
}

// Table returns the handler for every supported event kind.
func (h *BillingHandlers) Table() map[webhook.Kind]EventHandler {
	return map[webhook.Kind]EventHandler{
		webhook.KindCheckoutCompleted:   h.HandleCheckoutCompleted,
		webhook.KindSubscriptionCreated: h.subscriptionHandler(false),
		webhook.KindSubscriptionUpdated: h.subscriptionHandler(false),
		webhook.KindSubscriptionDeleted: h.subscriptionHandler(true),
		webhook.KindInvoicePaid:         h.invoiceHandler(true),
		webhook.KindInvoicePaymentFail:  h.invoiceHandler(false),
	}
}

// HandleCheckoutCompleted grants the purchased tier and starts the user's
// periodic counters from zero.
func (h *BillingHandlers) HandleCheckoutCompleted(ctx context.Context, ev webhook.Event) error {
	obj, err := objectOf(ev)
	if err != nil {
		return err
	}
	change, err := h.decoder.Checkout(obj, ev.EventCreatedAt)
	if err != nil {
		return permanent("billing.checkout", err)
	}

	sub, written, err := h.apply(ctx, change, ev)
	if err != nil || !written {
		return err
	}
	if sub.UsageResetEventID == ev.EventID {
		h.logger.Debug().Str("user_id", sub.UserID).Str("event_id", ev.EventID).Msg("usage already reset for checkout")
		return nil
	}
	if err := h.quota.ResetUser(ctx, sub.UserID); err != nil {
		return err
	}
	// Marked after the reset so a failed reset is retried.
	if err := h.subs.MarkUsageReset(ctx, sub.UserID, ev.EventID); err != nil {
		return fmt.Errorf("mark usage reset: %w", err)
	}

	h.logger.Info().
		Str("user_id", sub.UserID).
		Str("tier", string(sub.Tier)).
		Str("event_id", ev.EventID).
		Msg("checkout completed: tier granted and usage reset")
	return nil
}

func (h *BillingHandlers) subscriptionHandler(deleted bool) EventHandler {
	return func(ctx context.Context, ev webhook.Event) error {
		obj, err := objectOf(ev)
		if err != nil {
			return err
		}
		change, err := h.decoder.Subscription(obj, ev.EventCreatedAt, deleted)
		if err != nil {
			return permanent("billing.subscription", err)
		}
		_, _, err = h.apply(ctx, change, ev)
		return err
	}
}

func (h *BillingHandlers) invoiceHandler(paid bool) EventHandler {
	return func(ctx context.Context, ev webhook.Event) error {
		obj, err := objectOf(ev)
		if err != nil {
			return err
		}
		change, err := h.decoder.Invoice(obj, ev.EventCreatedAt, paid)
		if err != nil {
			return permanent("billing.invoice", err)
		}
		_, _, err = h.apply(ctx, change, ev)
		return err
	}
}

// apply merges change into the stored subscription and saves it when the
// event is not older than what is stored.
func (h *BillingHandlers) apply(ctx context.Context, c billing.Change, ev webhook.Event) (billing.Subscription, bool, error) {
	current, found, err := h.lookup(ctx, c)
	if err != nil {
		return billing.Subscription{}, false, err
	}

	next, ok := billing.Apply(current, found, c, h.clock.Now())
	if !ok {
		h.logger.Info().
			Str("event_id", ev.EventID).
			Str("user_id", current.UserID).
			Time("event_created_at", c.EventCreatedAt).
			Time("stored_event_created_at", current.EventCreatedAt).
			Msg("stale billing event ignored")
		return current, false, nil
	}
	if next.UserID == "" {
		return billing.Subscription{}, false, permanent("billing.apply",
			fmt.Errorf("customer %s is not linked to a user", c.CustomerID))
	}

	written, err := h.subs.Save(ctx, next)
	if err != nil {
		return billing.Subscription{}, false, fmt.Errorf("save subscription: %w", err)
	}
	if !written {
		return next, false, nil
	}

	h.quota.InvalidatePlan(next.UserID)
	if h.events != nil {
		h.events.Publish(events.SubscriptionChanged{
			UserID: next.UserID, Tier: string(next.Tier), Status: string(next.Status), At: next.UpdatedAt,
		})
	}
	h.logger.Info().
		Str("event_id", ev.EventID).
		Str("type", ev.Type).
		Str("user_id", next.UserID).
		Str("tier", string(next.Tier)).
		Str("status", string(next.Status)).
		Msg("subscription updated")
	return next, true, nil
}

func (h *BillingHandlers) lookup(ctx context.Context, c billing.Change) (billing.Subscription, bool, error) {
	var sub billing.Subscription
	var err error
	if c.UserID != "" {
		sub, err = h.subs.Get(ctx, c.UserID)
	} else {
		sub, err = h.subs.GetByCustomer(ctx, c.CustomerID)
	}
	if errors.Is(err, ports.ErrNotFound) {
		return billing.Subscription{}, false, nil
	}
	if err != nil {
		return billing.Subscription{}, false, fmt.Errorf("load subscription: %w", err)
	}
	return sub, true, nil
}

func objectOf(ev webhook.Event) (json.RawMessage, error) {
	env, err := webhook.ParseEnvelope(ev.Payload)
	if err != nil {
		return nil, permanent("billing.decode", err)
	}
	obj, err := webhook.ObjectOf(env)
	if err != nil {
		return nil, permanent("billing.decode", err)
	}
	return obj, nil
}

func permanent(op string, err error) error {
	return errs.Wrap(err, errs.KindPermanentFailure, op, "cannot apply billing event")
}
