package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/artpar/usagegate/domain/health"
	"github.com/artpar/usagegate/domain/webhook"
	"github.com/artpar/usagegate/ports"
)

// WebhookEventStore implements ports.WebhookEventStore. The primary key on
// event_id is the dedupe point.
type WebhookEventStore struct {
	db *DB
}

// NewWebhookEventStore creates a new webhook event store.
func NewWebhookEventStore(db *DB) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

const eventColumns = `event_id, type, payload, processed, processing_attempts, last_error,
	next_attempt_at, created_at, processed_at, event_created_at`

// Insert stores ev unless its ID is already known.
func (s *WebhookEventStore) Insert(ctx context.Context, ev webhook.Event) (webhook.Event, bool, error) {
	payload := ev.Payload
	if payload == nil {
		payload = []byte{}
	}
	res, err := s.db.exec(ctx, `
		INSERT INTO webhook_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.Type, payload, ev.Processed, ev.Attempts, ev.LastError,
		nullMillis(ev.NextAttemptAt), toMillis(ev.CreatedAt), nullMillis(ev.ProcessedAt), toMillis(ev.EventCreatedAt))
	if err != nil {
		return webhook.Event{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return webhook.Event{}, false, err
	}
	if n == 0 {
		existing, err := s.Get(ctx, ev.EventID)
		return existing, false, err
	}
	return ev, true, nil
}

// Get returns an event by ID.
func (s *WebhookEventStore) Get(ctx context.Context, eventID string) (webhook.Event, error) {
	row := s.db.queryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE event_id = ?`, eventID)
	ev, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Event{}, ports.ErrNotFound
	}
	return ev, err
}

// Claim increments the attempt count and leases the event in one statement.
func (s *WebhookEventStore) Claim(ctx context.Context, eventID string, maxAttempts int, now, leaseUntil time.Time) (webhook.Event, bool, error) {
	row := s.db.queryRow(ctx, `
		UPDATE webhook_events
		SET processing_attempts = processing_attempts + 1,
			next_attempt_at = NULL,
			locked_until = ?
		WHERE event_id = ?
			AND processed = ?
			AND processing_attempts < ?
			AND (locked_until IS NULL OR locked_until <= ?)
		RETURNING `+eventColumns, toMillis(leaseUntil), eventID, false, maxAttempts, toMillis(now))

	ev, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.Get(ctx, eventID)
		return current, false, getErr
	}
	if err != nil {
		return webhook.Event{}, false, err
	}
	return ev, true, nil
}

// Update writes the attempt outcome and releases the lease.
func (s *WebhookEventStore) Update(ctx context.Context, ev webhook.Event) error {
	res, err := s.db.exec(ctx, `
		UPDATE webhook_events
		SET processed = ?, processing_attempts = ?, last_error = ?,
			next_attempt_at = ?, processed_at = ?, locked_until = NULL
		WHERE event_id = ?
	`, ev.Processed, ev.Attempts, ev.LastError, nullMillis(ev.NextAttemptAt), nullMillis(ev.ProcessedAt), ev.EventID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// ListDue returns retryable events whose next attempt is due, oldest first.
func (s *WebhookEventStore) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]webhook.Event, error) {
	nowMS := toMillis(now)
	return s.list(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE processed = ?
			AND processing_attempts < ?
			AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			AND (locked_until IS NULL OR locked_until <= ?)
		ORDER BY created_at
		LIMIT ?
	`, false, maxAttempts, nowMS, nowMS, limit)
}

// ListDeadLettered returns exhausted events, oldest first.
func (s *WebhookEventStore) ListDeadLettered(ctx context.Context, maxAttempts, limit int) ([]webhook.Event, error) {
	return s.list(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE processed = ? AND processing_attempts >= ?
		ORDER BY created_at
		LIMIT ?
	`, false, maxAttempts, limit)
}

func (s *WebhookEventStore) list(ctx context.Context, query string, args ...any) ([]webhook.Event, error) {
	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []webhook.Event
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Stats aggregates events created since the given time.
func (s *WebhookEventStore) Stats(ctx context.Context, since time.Time, maxAttempts int) (health.Stats, error) {
	var st health.Stats
	var latencyMS int64
	err := s.db.queryRow(ctx, `
		SELECT
			COUNT(*),
			CAST(COALESCE(SUM(CASE WHEN processed = ? THEN 1 ELSE 0 END), 0) AS BIGINT),
			CAST(COALESCE(SUM(CASE WHEN processed = ? AND processing_attempts >= ? THEN 1 ELSE 0 END), 0) AS BIGINT),
			CAST(COALESCE(SUM(CASE WHEN processed = ? AND processing_attempts < ? THEN 1 ELSE 0 END), 0) AS BIGINT),
			CAST(COALESCE(SUM(CASE WHEN processed = ? AND processed_at IS NOT NULL THEN processed_at - created_at ELSE 0 END), 0) AS BIGINT),
			CAST(COALESCE(SUM(CASE WHEN processed = ? AND processed_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS BIGINT)
		FROM webhook_events
		WHERE created_at >= ?
	`, true, false, maxAttempts, false, maxAttempts, true, true, toMillis(since)).Scan(
		&st.Total, &st.Processed, &st.DeadLettered, &st.Backlog, &latencyMS, &st.LatencySamples)
	if err != nil {
		return health.Stats{}, err
	}
	st.LatencySum = time.Duration(latencyMS) * time.Millisecond
	return st, nil
}

func scanEvent(scan func(dest ...any) error) (webhook.Event, error) {
	var ev webhook.Event
	var next, processedAt sql.NullInt64
	var created, eventCreated int64
	err := scan(&ev.EventID, &ev.Type, &ev.Payload, &ev.Processed, &ev.Attempts, &ev.LastError,
		&next, &created, &processedAt, &eventCreated)
	if err != nil {
		return webhook.Event{}, err
	}
	ev.NextAttemptAt = fromNullMillis(next)
	ev.ProcessedAt = fromNullMillis(processedAt)
	ev.CreatedAt = fromMillis(created)
	ev.EventCreatedAt = fromMillis(eventCreated)
	return ev, nil
}

// Ensure interface compliance.
var _ ports.WebhookEventStore = (*WebhookEventStore)(nil)
