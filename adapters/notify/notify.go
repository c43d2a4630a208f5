// Package notify delivers operator alerts to logs, HTTP endpoints and AMQP.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/artpar/usagegate/ports"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrThrottled is returned when an alert is dropped by the rate limiter.
var ErrThrottled = errors.New("alert throttled")

// Log writes alerts to the structured log.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a log notifier.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger}
}

// Notify logs the alert at a level matching its severity.
func (l *Log) Notify(_ context.Context, a ports.Alert) error {
	ev := l.logger.Warn()
	if a.Severity == "critical" {
		ev = l.logger.Error()
	}
	ev.Str("severity", a.Severity).
		Str("title", a.Title).
		Fields(a.Fields).
		Msg(a.Message)
	return nil
}

// HTTP posts alerts as JSON to a webhook URL (Slack-compatible relays,
// PagerDuty event proxies and the like).
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP creates an HTTP notifier. A nil client gets a 10s timeout.
func NewHTTP(url string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTP{url: url, client: client}
}

// Notify posts the alert.
func (h *HTTP) Notify(ctx context.Context, a ports.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.ID != "" {
		req.Header.Set("Idempotency-Key", a.ID)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post alert: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans an alert out to several notifiers and joins their errors.
type Multi []ports.Notifier

// Notify delivers to every notifier even when some fail.
func (m Multi) Notify(ctx context.Context, a ports.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttled drops alerts beyond a token-bucket rate so an incident does not
// flood the on-call channel.
type Throttled struct {
	next    ports.Notifier
	limiter *rate.Limiter
}

// NewThrottled allows burst alerts at once and then one per interval.
func NewThrottled(next ports.Notifier, interval time.Duration, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Notify forwards the alert when a token is available.
func (t *Throttled) Notify(ctx context.Context, a ports.Alert) error {
	if !t.limiter.Allow() {
		return ErrThrottled
	}
	return t.next.Notify(ctx, a)
}

// Ensure interface compliance.
var (
	_ ports.Notifier = (*Log)(nil)
	_ ports.Notifier = (*HTTP)(nil)
	_ ports.Notifier = Multi(nil)
	_ ports.Notifier = (*Throttled)(nil)
)
