package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/usagegate/domain/health"
	"github.com/artpar/usagegate/domain/webhook"
	"github.com/artpar/usagegate/ports"
)

type storedEvent struct {
	ev          webhook.Event
	leasedUntil time.Time
}

// WebhookEventStore is an in-memory implementation of ports.WebhookEventStore.
type WebhookEventStore struct {
	mu     sync.Mutex
	events map[string]*storedEvent
}

// NewWebhookEventStore creates an empty store.
func NewWebhookEventStore() *WebhookEventStore {
	return &WebhookEventStore{events: make(map[string]*storedEvent)}
}

// Insert stores ev unless its ID is already known.
func (s *WebhookEventStore) Insert(ctx context.Context, ev webhook.Event) (webhook.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return webhook.Event{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[ev.EventID]; ok {
		return existing.ev, false, nil
	}
	s.events[ev.EventID] = &storedEvent{ev: ev}
	return ev, true, nil
}

// Get returns an event by ID.
func (s *WebhookEventStore) Get(ctx context.Context, eventID string) (webhook.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.events[eventID]
	if !ok {
		return webhook.Event{}, ports.ErrNotFound
	}
	return se.ev, nil
}

// Claim starts an attempt if the event is claimable.
func (s *WebhookEventStore) Claim(ctx context.Context, eventID string, maxAttempts int, now, leaseUntil time.Time) (webhook.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return webhook.Event{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.events[eventID]
	if !ok {
		return webhook.Event{}, false, ports.ErrNotFound
	}
	if se.ev.Processed || se.ev.Attempts >= maxAttempts || se.leasedUntil.After(now) {
		return se.ev, false, nil
	}
	se.ev = webhook.BeginAttempt(se.ev)
	se.leasedUntil = leaseUntil
	return se.ev, true, nil
}

// Update writes ev and releases its lease.
func (s *WebhookEventStore) Update(ctx context.Context, ev webhook.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.events[ev.EventID]
	if !ok {
		return ports.ErrNotFound
	}
	se.ev = ev
	se.leasedUntil = time.Time{}
	return nil
}

// ListDue returns retryable events whose next attempt is due, oldest first.
func (s *WebhookEventStore) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]webhook.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.list(limit, func(se *storedEvent) bool {
		ev := se.ev
		return !ev.Processed && ev.Attempts < maxAttempts &&
			(ev.NextAttemptAt == nil || !ev.NextAttemptAt.After(now)) &&
			!se.leasedUntil.After(now)
	}), nil
}

// ListDeadLettered returns exhausted events, oldest first.
func (s *WebhookEventStore) ListDeadLettered(ctx context.Context, maxAttempts, limit int) ([]webhook.Event, error) {
	return s.list(limit, func(se *storedEvent) bool {
		return !se.ev.Processed && se.ev.Attempts >= maxAttempts
	}), nil
}

func (s *WebhookEventStore) list(limit int, match func(*storedEvent) bool) []webhook.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []webhook.Event
	for _, se := range s.events {
		if match(se) {
			out = append(out, se.ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats aggregates events created since the given time.
func (s *WebhookEventStore) Stats(ctx context.Context, since time.Time, maxAttempts int) (health.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st health.Stats
	for _, se := range s.events {
		ev := se.ev
		if ev.CreatedAt.Before(since) {
			continue
		}
		st.Total++
		switch {
		case ev.Processed:
			st.Processed++
			if ev.ProcessedAt != nil {
				st.LatencySum += webhook.Latency(ev)
				st.LatencySamples++
			}
		case ev.Attempts >= maxAttempts:
			st.DeadLettered++
		default:
			st.Backlog++
		}
	}
	return st, nil
}

// Len returns the number of stored events (for testing).
func (s *WebhookEventStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Ensure interface compliance.
var _ ports.WebhookEventStore = (*WebhookEventStore)(nil)
