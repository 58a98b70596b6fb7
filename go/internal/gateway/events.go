// Package gateway pushes session events to connected clients over
// websockets, so a client that reconnects after an offline stretch resyncs
// its timer and navigation state without polling.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionEvent is the wire shape pushed to websocket clients.
type SessionEvent struct {
	Type      string          `json:"type"`
	SessionID uuid.UUID       `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// eventEnvelope mirrors the envelope the outbox relay publishes to
// JetStream.
type eventEnvelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}
