package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionKind is the closed set of test-affecting actions a client may submit.
type ActionKind string

const (
	ActionMove           ActionKind = "move"
	ActionSkip           ActionKind = "skip"
	ActionTimeout        ActionKind = "timeout"
	ActionPause          ActionKind = "pause"
	ActionExitTest       ActionKind = "exitTest"
	ActionStoreTraceData ActionKind = "storeTraceData"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionMove, ActionSkip, ActionTimeout, ActionPause, ActionExitTest, ActionStoreTraceData:
		return true
	}
	return false
}

// RequiredParams returns the parameter names that must be present before the
// action may cause any side effect.
func (k ActionKind) RequiredParams() []string {
	switch k {
	case ActionMove, ActionSkip:
		return []string{"direction", "scope"}
	case ActionTimeout:
		return []string{"scope", "source"}
	case ActionStoreTraceData:
		return []string{"traceData"}
	default:
		return nil
	}
}

// Blocking reports whether the action ends or suspends the attempt and must
// therefore be reconciled with the server before it takes full effect.
func (k ActionKind) Blocking() bool {
	switch k {
	case ActionTimeout, ActionPause, ActionExitTest:
		return true
	}
	return false
}

// Action is one queued, immutable test-affecting call.
type Action struct {
	Kind       ActionKind                 `json:"kind"`
	Parameters map[string]json.RawMessage `json:"parameters,omitempty"`
	ClientID   string                     `json:"client_id"`
	Timestamp  time.Time                  `json:"timestamp"`
	Offline    bool                       `json:"offline"`
}

// Param decodes a single named parameter into out.
func (a Action) Param(name string, out any) error {
	raw, ok := a.Parameters[name]
	if !ok {
		return fmt.Errorf("parameter %q not present", name)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode parameter %q: %w", name, err)
	}
	return nil
}

// StringParam returns a named string parameter, or "" when absent.
func (a Action) StringParam(name string) string {
	var s string
	if err := a.Param(name, &s); err != nil {
		return ""
	}
	return s
}

// HasParam reports whether the named parameter was submitted.
func (a Action) HasParam(name string) bool {
	_, ok := a.Parameters[name]
	return ok
}

// SetParam encodes value under name, allocating the parameter map if needed.
func (a *Action) SetParam(name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode parameter %q: %w", name, err)
	}
	if a.Parameters == nil {
		a.Parameters = make(map[string]json.RawMessage)
	}
	a.Parameters[name] = raw
	return nil
}

// MissingParams returns the required parameters absent from the action, in
// declaration order.
func (a Action) MissingParams() []string {
	var missing []string
	for _, name := range a.Kind.RequiredParams() {
		if !a.HasParam(name) {
			missing = append(missing, name)
		}
	}
	return missing
}
