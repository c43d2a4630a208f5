// Package metrics provides Prometheus metrics collection for usagegate.
package metrics

import (
	"context"
	"strings"

	"github.com/artpar/usagegate/core/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "usagegate"

// Collector holds all Prometheus metrics for usagegate.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Quota metrics
	QuotaDecisions *prometheus.CounterVec
	QuotaWarnings  *prometheus.CounterVec

	// Rate limit and abuse metrics
	RateLimitDecisions *prometheus.CounterVec
	AbuseFindings      *prometheus.CounterVec
	Suspensions        prometheus.Counter

	// Webhook metrics
	WebhookEvents  *prometheus.CounterVec
	WebhookLatency prometheus.Histogram

	// Health gauges, refreshed by each report
	HealthLevel        prometheus.Gauge
	WebhookSuccessRate prometheus.Gauge
	WebhookBacklog     prometheus.Gauge
	WebhookDeadLetters prometheus.Gauge

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector registered with the default Prometheus registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),

		QuotaDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_decisions_total",
				Help:      "Quota decisions by resource and outcome",
			},
			[]string{"resource", "outcome"},
		),
		QuotaWarnings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_warnings_total",
				Help:      "Warning thresholds crossed by resource and level",
			},
			[]string{"resource", "level"},
		),

		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_decisions_total",
				Help:      "Rate limit decisions by endpoint class and outcome",
			},
			[]string{"class", "outcome"},
		),
		AbuseFindings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "abuse_findings_total",
				Help:      "Abuse findings by pattern and severity",
			},
			[]string{"pattern", "severity"},
		),
		Suspensions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "suspensions_total",
				Help:      "Suspensions created by abuse detection",
			},
		),

		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Webhook intake and processing outcomes by event type",
			},
			[]string{"type", "outcome"},
		),
		WebhookLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "webhook_processing_latency_seconds",
				Help:      "Time from receipt to successful processing",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 30, 60, 300, 1800, 3600},
			},
		),

		HealthLevel: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "webhook_health_level",
				Help:      "Overall webhook health: 0 healthy, 1 warning, 2 critical",
			},
		),
		WebhookSuccessRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "webhook_success_rate",
				Help:      "Processed share of events in the health window",
			},
		),
		WebhookBacklog: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "webhook_backlog",
				Help:      "Unprocessed events still eligible for retry",
			},
		),
		WebhookDeadLetters: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "webhook_dead_letters",
				Help:      "Events that exhausted their attempts",
			},
		),

		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// Observe updates metrics for one domain event.
func (c *Collector) Observe(e events.Event) {
	switch ev := e.(type) {
	case events.QuotaReserved:
		c.QuotaDecisions.WithLabelValues(ev.Resource, "reserved").Inc()
	case events.QuotaDenied:
		c.QuotaDecisions.WithLabelValues(ev.Resource, "denied_"+ev.Reason).Inc()
	case events.QuotaRolledBack:
		c.QuotaDecisions.WithLabelValues(ev.Resource, "rolled_back").Inc()
	case events.QuotaUnavailable:
		outcome := "unavailable_closed"
		if ev.FailOpen {
			outcome = "unavailable_open"
		}
		c.QuotaDecisions.WithLabelValues(ev.Resource, outcome).Inc()
	case events.QuotaWarning:
		c.QuotaWarnings.WithLabelValues(ev.Resource, ev.Level).Inc()
	case events.RateLimitDecision:
		c.RateLimitDecisions.WithLabelValues(ev.Class, outcomeLabel(ev.Kind())).Inc()
	case events.AbuseDetected:
		c.AbuseFindings.WithLabelValues(ev.Pattern, ev.Severity).Inc()
		if ev.Suspended {
			c.Suspensions.Inc()
		}
	case events.WebhookOutcome:
		c.WebhookEvents.WithLabelValues(ev.Type, outcomeLabel(ev.Outcome)).Inc()
		if ev.Outcome == events.KindWebhookProcessed && ev.Latency > 0 {
			c.WebhookLatency.Observe(ev.Latency.Seconds())
		}
	case events.HealthReported:
		c.HealthLevel.Set(healthValue(ev.Overall))
		c.WebhookSuccessRate.Set(ev.SuccessRate)
		c.WebhookBacklog.Set(float64(ev.Backlog))
		c.WebhookDeadLetters.Set(float64(ev.DeadLetters))
	}
}

// Run observes events from sub until ctx is done or the subscription closes.
func (c *Collector) Run(ctx context.Context, sub *events.Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// outcomeLabel strips the kind's family prefix: "webhook.processed" -> "processed".
func outcomeLabel(k events.Kind) string {
	s := string(k)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func healthValue(level string) float64 {
	switch level {
	case "critical":
		return 2
	case "warning":
		return 1
	default:
		return 0
	}
}

// NormalizePath bounds label cardinality for requests that matched no route.
func NormalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	if len(path) > 50 {
		return path[:50] + "..."
	}
	return path
}

// RegisterBusDrops exports the event bus drop count as a counter.
func RegisterBusDrops(reg prometheus.Registerer, dropped func() int64) error {
	return reg.Register(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_bus_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		},
		func() float64 { return float64(dropped()) },
	))
}
