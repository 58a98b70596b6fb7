package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus defines the lifecycle status of a delivery session.
type SessionStatus string

const (
	SessionStatusNotStarted SessionStatus = "NOT_STARTED"
	SessionStatusRunning    SessionStatus = "RUNNING"
	SessionStatusSuspended  SessionStatus = "SUSPENDED"
	SessionStatusTimedOut   SessionStatus = "TIMED_OUT"
	SessionStatusTerminated SessionStatus = "TERMINATED"
)

// NavigationMode defines how a test part lets the taker move between items.
type NavigationMode string

const (
	NavigationModeLinear    NavigationMode = "LINEAR"
	NavigationModeNonLinear NavigationMode = "NONLINEAR"
)

// SessionSettings holds JSONB configuration for delivery sessions.
type SessionSettings struct {
	ExtraTimeMs         int  `json:"extra_time_ms"`
	ConsiderMinTime     bool `json:"consider_min_time"`
	GuidedNavigation    bool `json:"guided_navigation,omitempty"`
	ItemPreloadSize     int  `json:"item_preload_size,omitempty"`
	ItemCacheSize       int  `json:"item_cache_size,omitempty"`
	CountdownIntervalMs int  `json:"countdown_interval_ms,omitempty"`
	MaxSyncAttempts     int  `json:"max_sync_attempts,omitempty"`
}

// Session represents one taker's run through one test.
type Session struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	TestID       string          `json:"test_id"`
	Status       SessionStatus   `json:"status"`
	Settings     SessionSettings `json:"settings"`
	OfflineAware bool            `json:"offline_aware"`
	NextDeadline *time.Time      `json:"next_deadline,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
