package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is one domain event staged for publication. Events are written
// in the same transaction scope as the state they describe and relayed to
// the bus asynchronously.
type OutboxEvent struct {
	ID        uuid.UUID       `json:"id"`
	SessionID uuid.UUID       `json:"session_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// Outbox stages and drains domain events through an outbox table.
type Outbox struct {
	db *sql.DB
}

// NewOutbox returns an outbox over the given database handle.
func NewOutbox(db *sql.DB) *Outbox {
	return &Outbox{db: db}
}

// Insert stages one event. payload must already be JSON.
func (o *Outbox) Insert(ctx context.Context, sessionID uuid.UUID, eventType string, payload []byte) error {
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO outbox_events (id, session_id, event_type, payload)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), sessionID, eventType, payload)
	if err != nil {
		return fmt.Errorf("insert %s outbox event: %w", eventType, err)
	}
	return nil
}

// InsertPayload marshals payload and stages it under eventType.
func (o *Outbox) InsertPayload(ctx context.Context, sessionID uuid.UUID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return o.Insert(ctx, sessionID, eventType, data)
}

// FetchUnsent returns staged events not yet published, oldest first, locking
// the rows so concurrent relays do not double-publish.
func (o *Outbox) FetchUnsent(ctx context.Context, tx *sql.Tx, limit int32) ([]OutboxEvent, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, session_id, event_type, payload, created_at
		FROM outbox_events WHERE sent_at IS NULL
		ORDER BY created_at ASC LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkSent records that an event reached the bus.
func (o *Outbox) MarkSent(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox_events SET sent_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mark outbox event sent: %w", err)
	}
	return nil
}
