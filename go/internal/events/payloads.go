package events

import (
	"encoding/json"
	"time"
)

// Event payload types shared between the controller, watchdog and gateway.

// Event type names as they appear on the wire.
const (
	TypeSessionStarted  = "SessionStarted"
	TypeItemMoved       = "ItemMoved"
	TypeSessionPaused   = "SessionPaused"
	TypeSessionExited   = "SessionExited"
	TypeSessionTimedOut = "SessionTimedOut"
	TypeTraceDataStored = "TraceDataStored"
	TypeSyncCompleted   = "SyncCompleted"
)

// SessionStartedPayload is the payload for a SessionStarted event
type SessionStartedPayload struct {
	SessionID string    `json:"session_id"`
	TestID    string    `json:"test_id"`
	StartedAt time.Time `json:"started_at"`
	ItemCount int       `json:"item_count"`
}

// ItemMovedPayload is the payload for an ItemMoved event
type ItemMovedPayload struct {
	SessionID    string    `json:"session_id"`
	FromItemID   string    `json:"from_item_id"`
	ToItemID     string    `json:"to_item_id,omitempty"`
	FromPosition int       `json:"from_position"`
	ToPosition   int       `json:"to_position"`
	Direction    string    `json:"direction"`
	Scope        string    `json:"scope"`
	Offline      bool      `json:"offline"`
	MovedAt      time.Time `json:"moved_at"`
}

// SessionPausedPayload is the payload for a SessionPaused event
type SessionPausedPayload struct {
	SessionID string    `json:"session_id"`
	PausedAt  time.Time `json:"paused_at"`
	Reason    string    `json:"reason,omitempty"`
}

// SessionExitedPayload is the payload for a SessionExited event
type SessionExitedPayload struct {
	SessionID string    `json:"session_id"`
	ExitedAt  time.Time `json:"exited_at"`
	Duration  string    `json:"duration"`
}

// SessionTimedOutPayload is the payload for a SessionTimedOut event
type SessionTimedOutPayload struct {
	SessionID string    `json:"session_id"`
	Source    string    `json:"source"`
	Scope     string    `json:"scope"`
	TimedOut  time.Time `json:"timed_out_at"`
}

// TraceDataStoredPayload is the payload for a TraceDataStored event. It
// always carries every submitted variable, even when some stores failed.
type TraceDataStoredPayload struct {
	SessionID string                     `json:"session_id"`
	Variables map[string]json.RawMessage `json:"variables"`
	Stored    int                        `json:"stored"`
	Total     int                        `json:"total"`
	StoredAt  time.Time                  `json:"stored_at"`
}

// SyncCompletedPayload is the payload for a SyncCompleted event
type SyncCompletedPayload struct {
	SessionID   string    `json:"session_id"`
	ActionCount int       `json:"action_count"`
	CompletedAt time.Time `json:"completed_at"`
}
