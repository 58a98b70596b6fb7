// Package strategy binds pluggable behaviors to countdown lifecycle events.
// Each strategy is a predicate plus a set of hooks: it inspects a timer and
// either declines or returns the hooks it wants invoked as the timer runs.
package strategy

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rgoulet/examd/go/internal/models"
)

// TimerKind distinguishes what a countdown enforces.
type TimerKind string

const (
	TimerMin    TimerKind = "min"
	TimerMax    TimerKind = "max"
	TimerLocked TimerKind = "locked"
)

// Timer is the client-side view of one running countdown: what it bounds,
// where it applies and how much time is left.
type Timer struct {
	Kind             TimerKind
	Scope            models.NavigationScope
	Source           string
	Remaining        time.Duration
	ExtraTime        time.Duration
	ConsumedExtra    time.Duration
	NavigationMode   models.NavigationMode
	GuidedNavigation bool
}

// Hooks is the subset of lifecycle callbacks a strategy wants. Nil entries
// are skipped.
type Hooks struct {
	SetUp    func(*Timer)
	Start    func(*Timer)
	Stop     func(*Timer)
	Complete func(*Timer)
	TearDown func(*Timer)
}

// Strategy decides whether it applies to a timer and, if so, returns its
// hooks.
type Strategy interface {
	AppliesTo(*Timer) (Hooks, bool)
}

// Handler fans countdown lifecycle events out to the strategies active for
// each timer. A timer may hold several active behaviors at once; hook
// invocation is synchronous within one timer.
type Handler struct {
	strategies []Strategy
	active     map[*Timer][]Hooks
}

// NewHandler creates a handler over an ordered strategy list.
func NewHandler(strategies ...Strategy) *Handler {
	return &Handler{
		strategies: strategies,
		active:     make(map[*Timer][]Hooks),
	}
}

// SetUp evaluates every registered strategy against the timer, records the
// ones that apply and invokes their SetUp hooks.
func (h *Handler) SetUp(t *Timer) {
	var hooks []Hooks
	for _, s := range h.strategies {
		if hk, ok := s.AppliesTo(t); ok {
			hooks = append(hooks, hk)
		}
	}
	h.active[t] = hooks
	log.Debug().
		Str("source", t.Source).
		Str("kind", string(t.Kind)).
		Int("behaviors", len(hooks)).
		Msg("timer strategies activated")
	for _, hk := range hooks {
		if hk.SetUp != nil {
			hk.SetUp(t)
		}
	}
}

// Start fans out to the timer's active strategies.
func (h *Handler) Start(t *Timer) {
	for _, hk := range h.active[t] {
		if hk.Start != nil {
			hk.Start(t)
		}
	}
}

// Stop fans out to the timer's active strategies.
func (h *Handler) Stop(t *Timer) {
	for _, hk := range h.active[t] {
		if hk.Stop != nil {
			hk.Stop(t)
		}
	}
}

// Complete fans out to the timer's active strategies.
func (h *Handler) Complete(t *Timer) {
	for _, hk := range h.active[t] {
		if hk.Complete != nil {
			hk.Complete(t)
		}
	}
}

// TearDown fans out and forgets the timer's activation record.
func (h *Handler) TearDown(t *Timer) {
	for _, hk := range h.active[t] {
		if hk.TearDown != nil {
			hk.TearDown(t)
		}
	}
	delete(h.active, t)
}

// ActiveCount returns how many behaviors are active for the timer.
func (h *Handler) ActiveCount(t *Timer) int {
	return len(h.active[t])
}
