package app

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/usagegate/core/events"
	"github.com/artpar/usagegate/domain/abuse"
	"github.com/artpar/usagegate/ports"
	"github.com/rs/zerolog"
)

// DispatchKinds are the event kinds the dispatcher turns into alerts.
var DispatchKinds = []events.Kind{
	events.KindWebhookDeadLetter,
	events.KindAbuseDetected,
	events.KindHealthReported,
}

// Dispatcher forwards alert-worthy domain events to a notifier. Delivery is
// fire-and-forget: failures are logged and never retried.
type Dispatcher struct {
	notifier ports.Notifier
	ids      ports.IDGenerator
	logger   zerolog.Logger
	timeout  time.Duration
}

// NewDispatcher creates a dispatcher. ids stamps each alert and may be nil;
// timeout bounds each delivery.
func NewDispatcher(notifier ports.Notifier, ids ports.IDGenerator, logger zerolog.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifier: notifier, ids: ids, logger: logger, timeout: timeout}
}

// Run delivers alerts for events from sub until ctx is done or the
// subscription closes.
func (d *Dispatcher) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			d.Handle(ctx, e)
		}
	}
}

// Handle delivers the alert for e, if any.
func (d *Dispatcher) Handle(ctx context.Context, e events.Event) {
	a, ok := AlertFor(e)
	if !ok {
		return
	}
	if d.ids != nil {
		a.ID = d.ids.New()
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, a); err != nil {
		d.logger.Warn().Err(err).
			Str("alert_id", a.ID).
			Str("title", a.Title).
			Str("severity", a.Severity).
			Msg("alert delivery failed")
	}
}

// AlertFor maps an event to an operator alert. Only dead letters, high
// severity abuse findings and critical health reports produce one.
func AlertFor(e events.Event) (ports.Alert, bool) {
	switch ev := e.(type) {
	case events.WebhookOutcome:
		if ev.Outcome != events.KindWebhookDeadLetter {
			return ports.Alert{}, false
		}
		return ports.Alert{
			Severity: "critical",
			Title:    "webhook dead-lettered",
			Message:  fmt.Sprintf("event %s (%s) failed %d times: %s", ev.EventID, ev.Type, ev.Attempts, ev.Error),
			Fields: map[string]any{
				"event_id": ev.EventID,
				"type":     ev.Type,
				"attempts": ev.Attempts,
			},
			At: ev.At,
		}, true

	case events.AbuseDetected:
		if ev.Severity != string(abuse.SeverityHigh) {
			return ports.Alert{}, false
		}
		msg := fmt.Sprintf("%s on %s: %s", ev.Pattern, ev.Identifier, ev.Detail)
		if ev.Suspended {
			msg += fmt.Sprintf(" (suspended until %s)", ev.Until.Format(time.RFC3339))
		}
		return ports.Alert{
			Severity: "warning",
			Title:    "abuse detected",
			Message:  msg,
			Fields: map[string]any{
				"identifier": ev.Identifier,
				"pattern":    ev.Pattern,
				"suspended":  ev.Suspended,
			},
			At: ev.At,
		}, true

	case events.HealthReported:
		if ev.Overall != "critical" {
			return ports.Alert{}, false
		}
		return ports.Alert{
			Severity: "critical",
			Title:    "webhook processing unhealthy",
			Message:  fmt.Sprintf("success rate %.1f%%, %d dead letters, %d pending", ev.SuccessRate*100, ev.DeadLetters, ev.Backlog),
			Fields: map[string]any{
				"alerts": ev.Alerts,
			},
			At: ev.At,
		}, true
	}
	return ports.Alert{}, false
}
