package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/artpar/usagegate/ports"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange alerts are published to.
const DefaultExchange = "usagegate.alerts"

// channel is the part of *amqp.Channel the notifier uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes alerts to a durable topic exchange with routing key
// "alert.<severity>".
type AMQP struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	exchange string
	declared bool
}

// DialAMQP connects to the broker with a bounded dial timeout.
func DialAMQP(rawURL, exchange string) (*AMQP, error) {
	clean, err := cleanAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	n := newAMQP(ch, exchange)
	n.conn = conn
	return n, nil
}

func newAMQP(ch channel, exchange string) *AMQP {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQP{ch: ch, exchange: exchange}
}

func cleanAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

// Notify publishes the alert. A failed publish reopens the channel once
// and retries.
func (a *AMQP) Notify(ctx context.Context, alert ports.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    alert.ID,
		Timestamp:    alert.At,
		Body:         body,
	}
	key := "alert." + alert.Severity

	a.mu.Lock()
	defer a.mu.Unlock()

	err = a.publish(ctx, key, msg)
	if err == nil || a.conn == nil {
		return err
	}
	ch, chErr := a.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	a.ch = ch
	a.declared = false
	return a.publish(ctx, key, msg)
}

func (a *AMQP) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	if !a.declared {
		if err := a.ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}
		a.declared = true
	}
	if err := a.ch.PublishWithContext(ctx, a.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Close closes the channel and connection.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	if a.ch != nil {
		errs = append(errs, a.ch.Close())
	}
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
	}
	return errors.Join(errs...)
}

var _ ports.Notifier = (*AMQP)(nil)
