// Package controller implements the server-side synchronization action
// controller: the per-request orchestrator that stops and starts timer
// ranges around every navigation action, validates submitted responses, and
// advances the session state machine.
package controller

import (
	"github.com/rgoulet/examd/go/internal/models"
)

// Error codes in the structured error shape returned to the transport.
const (
	CodeValidation   = "VALIDATION"
	CodeSessionState = "SESSION_STATE"
	CodeNotFound     = "NOT_FOUND"
	CodeInternal     = "INTERNAL"
)

// ErrorInfo describes a failed action in a transport-neutral shape.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConstraintView is the client-facing projection of one evaluated time
// constraint.
type ConstraintView struct {
	Source      string `json:"source"`
	Scope       string `json:"scope"`
	ElapsedMs   int64  `json:"elapsed_ms"`
	MinTimeMs   *int64 `json:"min_time_ms,omitempty"`
	MaxTimeMs   *int64 `json:"max_time_ms,omitempty"`
	RemainingMs *int64 `json:"remaining_ms,omitempty"`
	ExtraTime   bool   `json:"extra_time"`
}

// TestContext is the navigation state returned after a successful action so
// the client can rebuild its view.
type TestContext struct {
	SessionID        string                `json:"session_id"`
	Status           models.SessionStatus  `json:"status"`
	Position         int                   `json:"position"`
	ItemID           string                `json:"item_id,omitempty"`
	ItemHref         string                `json:"item_href,omitempty"`
	NavigationMode   models.NavigationMode `json:"navigation_mode,omitempty"`
	Constraints      []ConstraintView      `json:"constraints,omitempty"`
	ConsumedExtraMs  int64                 `json:"consumed_extra_ms"`
	RemainingExtraMs int64                 `json:"remaining_extra_ms"`
	TraceStored      int                   `json:"trace_stored,omitempty"`
	TraceTotal       int                   `json:"trace_total,omitempty"`
}

// Response is the uniform action result shape. Every failure mode inside an
// action collapses to Success=false plus an ErrorInfo; nothing propagates to
// the transport as a raw error.
type Response struct {
	Success     bool         `json:"success"`
	TestContext *TestContext `json:"test_context,omitempty"`
	Error       *ErrorInfo   `json:"error,omitempty"`
}

func failure(code, message string) Response {
	return Response{Success: false, Error: &ErrorInfo{Code: code, Message: message}}
}
