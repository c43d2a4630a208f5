package events

import "time"

// Kind identifies a domain event type.
type Kind string

const (
	KindQuotaReserved      Kind = "quota.reserved"
	KindQuotaDenied        Kind = "quota.denied"
	KindQuotaWarning       Kind = "quota.warning"
	KindQuotaRolledBack    Kind = "quota.rolled_back"
	KindQuotaUnavailable   Kind = "quota.unavailable"
	KindRateLimited        Kind = "ratelimit.limited"
	KindRateLimitAllowed   Kind = "ratelimit.allowed"
	KindRateLimitFailOpen  Kind = "ratelimit.fail_open"
	KindAbuseDetected      Kind = "abuse.detected"
	KindWebhookRejected    Kind = "webhook.rejected"
	KindWebhookDuplicate   Kind = "webhook.duplicate"
	KindWebhookProcessed   Kind = "webhook.processed"
	KindWebhookFailed      Kind = "webhook.failed"
	KindWebhookDeadLetter  Kind = "webhook.dead_lettered"
	KindSubscriptionChange Kind = "billing.subscription_changed"
	KindHealthReported     Kind = "health.reported"
)

// Event is a typed domain event. Subscribers type-switch on the concrete value.
type Event interface {
	Kind() Kind
	OccurredAt() time.Time
}

// QuotaReserved is published after a successful reservation.
type QuotaReserved struct {
	UserID   string
	Resource string
	Amount   int64
	Current  int64
	Limit    int64
	At       time.Time
}

func (e QuotaReserved) Kind() Kind            { return KindQuotaReserved }
func (e QuotaReserved) OccurredAt() time.Time { return e.At }

// QuotaDenied is published when a reservation is refused.
type QuotaDenied struct {
	UserID   string
	Resource string
	Amount   int64
	Current  int64
	Limit    int64
	Reason   string
	At       time.Time
}

func (e QuotaDenied) Kind() Kind            { return KindQuotaDenied }
func (e QuotaDenied) OccurredAt() time.Time { return e.At }

// QuotaWarning is published when a reservation crosses a warning threshold.
type QuotaWarning struct {
	UserID     string
	Resource   string
	Level      string
	Percentage float64
	Current    int64
	Limit      int64
	At         time.Time
}

func (e QuotaWarning) Kind() Kind            { return KindQuotaWarning }
func (e QuotaWarning) OccurredAt() time.Time { return e.At }

// QuotaRolledBack is published when a reservation is undone.
type QuotaRolledBack struct {
	UserID   string
	Resource string
	Amount   int64
	Current  int64
	At       time.Time
}

func (e QuotaRolledBack) Kind() Kind            { return KindQuotaRolledBack }
func (e QuotaRolledBack) OccurredAt() time.Time { return e.At }

// QuotaUnavailable is published when the store could not be consulted.
type QuotaUnavailable struct {
	UserID   string
	Resource string
	FailOpen bool
	Err      string
	At       time.Time
}

func (e QuotaUnavailable) Kind() Kind            { return KindQuotaUnavailable }
func (e QuotaUnavailable) OccurredAt() time.Time { return e.At }

// RateLimitDecision is published for every rate limit check.
type RateLimitDecision struct {
	Identifier string
	Class      string
	Allowed    bool
	Reason     string
	Backoff    time.Duration
	At         time.Time
}

func (e RateLimitDecision) Kind() Kind {
	switch {
	case e.Reason == "store_unavailable":
		return KindRateLimitFailOpen
	case e.Allowed:
		return KindRateLimitAllowed
	default:
		return KindRateLimited
	}
}
func (e RateLimitDecision) OccurredAt() time.Time { return e.At }

// AbuseDetected is published for every finding.
type AbuseDetected struct {
	Identifier string
	Pattern    string
	Severity   string
	Detail     string
	Suspended  bool
	Until      time.Time
	At         time.Time
}

func (e AbuseDetected) Kind() Kind            { return KindAbuseDetected }
func (e AbuseDetected) OccurredAt() time.Time { return e.At }

// WebhookOutcome is published at each terminal or retry step of processing.
type WebhookOutcome struct {
	EventID  string
	Type     string
	Outcome  Kind // One of the webhook kinds
	Attempts int
	Error    string
	Latency  time.Duration
	At       time.Time
}

func (e WebhookOutcome) Kind() Kind            { return e.Outcome }
func (e WebhookOutcome) OccurredAt() time.Time { return e.At }

// SubscriptionChanged is published when a billing event changes a user's tier.
type SubscriptionChanged struct {
	UserID string
	Tier   string
	Status string
	At     time.Time
}

func (e SubscriptionChanged) Kind() Kind            { return KindSubscriptionChange }
func (e SubscriptionChanged) OccurredAt() time.Time { return e.At }

// HealthReported carries a finished health report summary.
type HealthReported struct {
	Overall      string
	SuccessRate  float64
	DeadLetters  int64
	Backlog      int64
	AvgLatencyMs int64
	Alerts       []string
	At           time.Time
}

func (e HealthReported) Kind() Kind            { return KindHealthReported }
func (e HealthReported) OccurredAt() time.Time { return e.At }
