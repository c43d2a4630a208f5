// Package webhook provides value types and pure functions for inbound
// payment-provider events: signature verification, event kinds, and the
// processing state machine.
package webhook

import (
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"
)

// Kind is the closed set of event types with a dedicated handler.
type Kind string

const (
	KindCheckoutCompleted   Kind = "checkout.session.completed"
	KindSubscriptionCreated Kind = "customer.subscription.created"
	KindSubscriptionUpdated Kind = "customer.subscription.updated"
	KindSubscriptionDeleted Kind = "customer.subscription.deleted"
	KindInvoicePaid         Kind = "invoice.paid"
	KindInvoicePaymentFail  Kind = "invoice.payment_failed"
	KindUnknown             Kind = ""
)

// AllKinds returns every handled kind.
func AllKinds() []Kind {
	return []Kind{
		KindCheckoutCompleted,
		KindSubscriptionCreated,
		KindSubscriptionUpdated,
		KindSubscriptionDeleted,
		KindInvoicePaid,
		KindInvoicePaymentFail,
	}
}

// ParseKind maps a provider type string to a Kind, or KindUnknown.
// This is a PURE function.
func ParseKind(s string) Kind {
	for _, k := range AllKinds() {
		if string(k) == s {
			return k
		}
	}
	return KindUnknown
}

// State is a step in the processing state machine.
type State string

const (
	StateReceived     State = "received"
	StateVerifying    State = "verifying"
	StateDuplicate    State = "duplicate"
	StateProcessing   State = "processing"
	StateRetrying     State = "retrying"
	StateProcessed    State = "processed"
	StateDeadLettered State = "dead_lettered"
)

// Event is a persisted inbound event (value type).
type Event struct {
	EventID        string
	Type           string
	Payload        []byte
	Processed      bool
	Attempts       int
	LastError      string
	NextAttemptAt  *time.Time
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	EventCreatedAt time.Time // Provider's "created" timestamp
}

// Kind returns the event's kind.
func (e Event) Kind() Kind { return ParseKind(e.Type) }

// Envelope is the minimal structure every provider event carries.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

var (
	ErrMalformedPayload = errors.New("webhook: malformed payload")
	ErrMissingEventID   = errors.New("webhook: event id is required")
	ErrMissingType      = errors.New("webhook: event type is required")
)

// ParseEnvelope decodes the envelope without interpreting data.object.
// This is a PURE function.
func ParseEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, ErrMalformedPayload
	}
	if env.ID == "" {
		return Envelope{}, ErrMissingEventID
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// ObjectOf returns the raw data.object of an envelope.
func ObjectOf(env Envelope) (json.RawMessage, error) {
	var data struct {
		Object json.RawMessage `json:"object"`
	}
	if len(env.Data) == 0 {
		return nil, ErrMalformedPayload
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || len(data.Object) == 0 {
		return nil, ErrMalformedPayload
	}
	return data.Object, nil
}

// NewEvent creates the record inserted at first sighting.
// This is a PURE function.
func NewEvent(env Envelope, payload []byte, now time.Time) Event {
	ev := Event{
		EventID:   env.ID,
		Type:      env.Type,
		Payload:   payload,
		CreatedAt: now,
	}
	if env.Created > 0 {
		ev.EventCreatedAt = time.Unix(env.Created, 0).UTC()
	} else {
		ev.EventCreatedAt = now
	}
	return ev
}

// RetryPolicy bounds processing attempts (value type).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns 3 attempts with a 30s base delay capped at 1h.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: time.Hour}
}

// RetryDelay returns base * 2^attempt, capped at MaxDelay.
// attempt is the number of attempts already made.
// This is a PURE function.
func RetryDelay(attempt int, p RetryPolicy) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		attempt = 20
	}
	d := p.BaseDelay * time.Duration(1<<uint(attempt))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// StateOf derives the state of a stored event.
// This is a PURE function.
func StateOf(e Event, p RetryPolicy) State {
	switch {
	case e.Processed:
		return StateProcessed
	case e.Attempts >= p.MaxAttempts:
		return StateDeadLettered
	case e.Attempts > 0:
		return StateRetrying
	default:
		return StateReceived
	}
}

// IsDeadLettered reports whether e exhausted its attempts without success.
func IsDeadLettered(e Event, p RetryPolicy) bool {
	return StateOf(e, p) == StateDeadLettered
}

// BeginAttempt counts a new processing attempt.
// This is a PURE function - returns a new Event.
func BeginAttempt(e Event) Event {
	e.Attempts++
	e.NextAttemptAt = nil
	return e
}

// MarkProcessed records success.
// This is a PURE function - returns a new Event.
func MarkProcessed(e Event, now time.Time) Event {
	e.Processed = true
	e.LastError = ""
	e.NextAttemptAt = nil
	e.ProcessedAt = &now
	return e
}

// MarkFailed records a failed attempt and schedules the next one unless
// attempts are exhausted.
// This is a PURE function - returns a new Event.
func MarkFailed(e Event, errMsg string, now time.Time, p RetryPolicy) Event {
	e.LastError = truncate(errMsg, 1000)
	if e.Attempts >= p.MaxAttempts {
		e.NextAttemptAt = nil
		return e
	}
	next := now.Add(RetryDelay(e.Attempts-1, p))
	e.NextAttemptAt = &next
	return e
}

// ResetForReplay clears attempts so an operator can reprocess a dead letter.
// This is a PURE function - returns a new Event.
func ResetForReplay(e Event) Event {
	e.Attempts = 0
	e.LastError = ""
	e.NextAttemptAt = nil
	return e
}

// Latency returns processed_at - created_at, or 0 when unprocessed.
func Latency(e Event) time.Duration {
	if e.ProcessedAt == nil {
		return 0
	}
	return e.ProcessedAt.Sub(e.CreatedAt)
}

// IsNewer reports whether an event timestamp should override state last
// written at applied. Equal timestamps apply so retries stay idempotent.
// This is a PURE function.
func IsNewer(eventAt, applied time.Time) bool {
	return applied.IsZero() || !eventAt.Before(applied)
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
