// Package timing computes time constraints over a session's timer ledger:
// elapsed and remaining time per navigable scope, timeout detection, and the
// extra-time allowance a taker may draw on across scopes.
package timing

import (
	"time"

	"github.com/rgoulet/examd/go/internal/models"
)

// Scope selects which constraint sources to evaluate. Scopes compose as bit
// flags; the zero value means "all four".
type Scope uint8

const (
	ScopeItem Scope = 1 << iota
	ScopeSection
	ScopePart
	ScopeTest

	ScopeAll = ScopeItem | ScopeSection | ScopePart | ScopeTest
)

// String names a single scope flag for logs and client payloads.
func (s Scope) String() string {
	switch s {
	case ScopeItem:
		return "item"
	case ScopeSection:
		return "section"
	case ScopePart:
		return "testPart"
	case ScopeTest:
		return "test"
	}
	return "composite"
}

// Has reports whether s includes the given flag.
func (s Scope) Has(flag Scope) bool {
	if s == 0 {
		s = ScopeAll
	}
	return s&flag != 0
}

// Constraint is the evaluated time constraint of one source entity at one
// navigation point. Constraints are built fresh from the ledger on every
// request and never persisted.
type Constraint struct {
	Source          string
	Scope           Scope
	MinTime         *time.Duration
	MaxTime         *time.Duration
	NavigationMode  models.NavigationMode
	ConsiderMinTime bool
	ApplyExtraTime  bool
	Duration        time.Duration
}

// EffectiveMax returns the max-time bound with the extra-time allowance
// applied, or false when the source has no maximum.
func (c Constraint) EffectiveMax(extra time.Duration) (time.Duration, bool) {
	if c.MaxTime == nil {
		return 0, false
	}
	max := *c.MaxTime
	if c.ApplyExtraTime {
		max += extra
	}
	return max, true
}

// Exceeded reports whether the computed duration has passed the max-time
// bound, given the extra-time allowance still applicable to this source.
func (c Constraint) Exceeded(extra time.Duration) bool {
	max, ok := c.EffectiveMax(extra)
	if !ok {
		return false
	}
	return c.Duration >= max
}

// MinReached reports whether the minimum-time requirement is satisfied.
// Sources without a minimum, and constraints evaluated with min-time
// enforcement off, always pass.
func (c Constraint) MinReached() bool {
	if !c.ConsiderMinTime || c.MinTime == nil {
		return true
	}
	return c.Duration >= *c.MinTime
}

// Remaining returns the time left before the max bound, clamped to zero, or
// false when the source has no maximum.
func (c Constraint) Remaining(extra time.Duration) (time.Duration, bool) {
	max, ok := c.EffectiveMax(extra)
	if !ok {
		return 0, false
	}
	left := max - c.Duration
	if left < 0 {
		left = 0
	}
	return left, true
}
