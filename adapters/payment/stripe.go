// Package payment decodes payment provider webhook objects into billing
// changes. Signature verification happens before decoding, in the webhook
// domain package.
package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/usagegate/domain/billing"
	"github.com/artpar/usagegate/domain/plan"
	"github.com/stripe/stripe-go/v76"
)

// ErrMissingCustomer is returned when an object names neither a user nor a customer.
var ErrMissingCustomer = errors.New("payment: object has no user or customer reference")

// Metadata keys read from checkout sessions and subscriptions.
const (
	MetaUserID = "user_id"
	MetaTier   = "tier"
)

// StripeDecoder maps Stripe objects to billing changes.
type StripeDecoder struct {
	prices map[string]plan.Tier
}

// NewStripeDecoder creates a decoder. prices maps Stripe price IDs to tiers.
func NewStripeDecoder(prices map[string]plan.Tier) *StripeDecoder {
	if prices == nil {
		prices = map[string]plan.Tier{}
	}
	return &StripeDecoder{prices: prices}
}

// Checkout decodes a checkout.session.completed object. The session grants
// the tier named in its metadata or mapped from its first line item price.
func (d *StripeDecoder) Checkout(obj json.RawMessage, eventAt time.Time) (billing.Change, error) {
	var s stripe.CheckoutSession
	if err := json.Unmarshal(obj, &s); err != nil {
		return billing.Change{}, fmt.Errorf("decode checkout session: %w", err)
	}

	c := billing.Change{
		UserID:         s.ClientReferenceID,
		Status:         billing.StatusActive,
		EventCreatedAt: eventAt,
	}
	if c.UserID == "" {
		c.UserID = s.Metadata[MetaUserID]
	}
	if s.Customer != nil {
		c.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		c.SubscriptionID = s.Subscription.ID
		c.CurrentPeriodEnd = unixTime(s.Subscription.CurrentPeriodEnd)
	}

	c.Tier = d.tierFromMetadata(s.Metadata)
	if c.Tier == "" && s.LineItems != nil && len(s.LineItems.Data) > 0 && s.LineItems.Data[0].Price != nil {
		c.Tier = plan.TierForPrice(d.prices, s.LineItems.Data[0].Price.ID, "")
	}
	if c.Tier == "" {
		return billing.Change{}, fmt.Errorf("checkout session %s: no tier in metadata or line items", s.ID)
	}
	return c, requireReference(c)
}

// Subscription decodes customer.subscription.* objects. Deleted
// subscriptions revert the user to the free tier.
func (d *StripeDecoder) Subscription(obj json.RawMessage, eventAt time.Time, deleted bool) (billing.Change, error) {
	var s stripe.Subscription
	if err := json.Unmarshal(obj, &s); err != nil {
		return billing.Change{}, fmt.Errorf("decode subscription: %w", err)
	}

	c := billing.Change{
		UserID:           s.Metadata[MetaUserID],
		SubscriptionID:   s.ID,
		Status:           billing.ParseStatus(string(s.Status)),
		CurrentPeriodEnd: unixTime(s.CurrentPeriodEnd),
		EventCreatedAt:   eventAt,
	}
	if s.Customer != nil {
		c.CustomerID = s.Customer.ID
	}

	switch {
	case deleted:
		c.Tier = plan.TierFree
		c.Status = billing.StatusCancelled
	default:
		c.Tier = d.tierFromMetadata(s.Metadata)
		if c.Tier == "" && s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
			c.Tier = plan.TierForPrice(d.prices, s.Items.Data[0].Price.ID, "")
		}
	}
	return c, requireReference(c)
}

// Invoice decodes invoice.paid and invoice.payment_failed objects into a
// status-only change.
func (d *StripeDecoder) Invoice(obj json.RawMessage, eventAt time.Time, paid bool) (billing.Change, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(obj, &inv); err != nil {
		return billing.Change{}, fmt.Errorf("decode invoice: %w", err)
	}

	c := billing.Change{
		Status:         billing.StatusPastDue,
		EventCreatedAt: eventAt,
	}
	if paid {
		c.Status = billing.StatusActive
	}
	if inv.Customer != nil {
		c.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		c.SubscriptionID = inv.Subscription.ID
		c.UserID = inv.Subscription.Metadata[MetaUserID]
	}
	if c.UserID == "" && inv.SubscriptionDetails != nil {
		c.UserID = inv.SubscriptionDetails.Metadata[MetaUserID]
	}
	return c, requireReference(c)
}

func (d *StripeDecoder) tierFromMetadata(meta map[string]string) plan.Tier {
	if t, err := plan.ParseTier(meta[MetaTier]); err == nil {
		return t
	}
	return ""
}

func requireReference(c billing.Change) error {
	if c.UserID == "" && c.CustomerID == "" {
		return ErrMissingCustomer
	}
	return nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
