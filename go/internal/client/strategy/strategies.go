package strategy

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rgoulet/examd/go/internal/models"
	"github.com/rgoulet/examd/go/internal/timing"
)

// NavigationControls is the slice of the UI the strategies drive. The
// rendering layer implements it; tests use a recorder.
type NavigationControls interface {
	EnableNavigation()
	DisableNavigation()
	ShowNavigation()
	HideNavigation()
	DisableItem()
}

// Interceptor lets a strategy hook into navigation requests before they are
// queued. Guards run in registration order; a false return blocks the
// navigation.
type Interceptor interface {
	AddBeforeNavigation(guard func(action *models.Action) bool)
}

// TimeoutRaiser raises a timeout action against an entity whose maximum
// timer completed.
type TimeoutRaiser interface {
	RaiseTimeout(source string, scope models.NavigationScope)
}

// Mover triggers a forward move, used by guided navigation after an item
// locks.
type Mover interface {
	MoveForward()
}

// Warnings tracks which leave-warnings have already been shown, so a section
// warning is suppressed when the end-of-test warning covered it.
type Warnings interface {
	EndOfTestWarned() bool
	ConfirmSectionLeave() bool
}

// EnforcedStay keeps the taker on an item until its minimum time elapses.
// It applies to item-scope minimum timers under linear navigation.
type EnforcedStay struct {
	Controls NavigationControls
}

func (s *EnforcedStay) AppliesTo(t *Timer) (Hooks, bool) {
	if t.Kind != TimerMin || t.Scope != models.NavScopeItem || t.NavigationMode != models.NavigationModeLinear {
		return Hooks{}, false
	}
	return Hooks{
		SetUp:    func(*Timer) { s.Controls.DisableNavigation() },
		Complete: func(*Timer) { s.Controls.EnableNavigation() },
	}, true
}

// ExtraTime reports extra-time consumption to the server. It applies to any
// maximum timer carrying an extra-time budget; on setup it attaches, once, a
// before-navigation hook that measures the remaining-time deficit against
// the budget and adds it to the outgoing action. Concurrent reporters take
// the largest value, capped at the pool total.
type ExtraTime struct {
	Pool        *timing.ExtraTimePool
	Interceptor Interceptor

	attached bool
	timers   map[*Timer]struct{}
}

func (s *ExtraTime) AppliesTo(t *Timer) (Hooks, bool) {
	if t.Kind != TimerMax || t.ExtraTime <= 0 {
		return Hooks{}, false
	}
	return Hooks{
		SetUp:    func(timer *Timer) { s.track(timer) },
		TearDown: func(timer *Timer) { delete(s.timers, timer) },
	}, true
}

// track remembers the timer and attaches the shared before-navigation hook
// on first use. The hook reports the largest deficit across every timer
// still drawing on the budget, so one reporter never shadows another.
func (s *ExtraTime) track(t *Timer) {
	if s.timers == nil {
		s.timers = make(map[*Timer]struct{})
	}
	s.timers[t] = struct{}{}
	if s.attached {
		return
	}
	s.attached = true
	s.Interceptor.AddBeforeNavigation(func(action *models.Action) bool {
		var deficit time.Duration
		for timer := range s.timers {
			if c := timer.Consumed(); c > deficit {
				deficit = c
			}
		}
		s.Pool.Report(deficit)
		consumed := s.Pool.Consumed()
		if err := action.SetParam("consumedExtraTime", consumed.Milliseconds()); err != nil {
			log.Warn().Err(err).Msg("failed to attach consumed extra time")
		}
		return true
	})
}

// Consumed returns how far the timer has eaten into its extra-time budget.
func (t *Timer) Consumed() time.Duration {
	if t.ExtraTime <= 0 || t.Remaining >= t.ExtraTime {
		return 0
	}
	return t.ExtraTime - t.Remaining
}

// GuidedNavigation advances the test automatically when a locked item timer
// completes. It applies to item-scope locked timers under linear navigation
// with guided mode configured.
type GuidedNavigation struct {
	Controls NavigationControls
	Mover    Mover
	Clock    clockwork.Clock
	Delay    time.Duration
}

func (s *GuidedNavigation) AppliesTo(t *Timer) (Hooks, bool) {
	if t.Kind != TimerLocked || t.Scope != models.NavScopeItem ||
		t.NavigationMode != models.NavigationModeLinear || !t.GuidedNavigation {
		return Hooks{}, false
	}
	return Hooks{
		SetUp: func(*Timer) { s.Controls.HideNavigation() },
		Complete: func(*Timer) {
			s.Controls.DisableItem()
			s.Controls.HideNavigation()
			s.Clock.AfterFunc(s.Delay, s.Mover.MoveForward)
		},
	}, true
}

// Timeout raises a timeout against the timer's owning entity when any
// maximum timer completes.
type Timeout struct {
	Raiser TimeoutRaiser
}

func (s *Timeout) AppliesTo(t *Timer) (Hooks, bool) {
	if t.Kind != TimerMax {
		return Hooks{}, false
	}
	return Hooks{
		Complete: func(timer *Timer) {
			log.Info().
				Str("source", timer.Source).
				Str("scope", string(timer.Scope)).
				Msg("max timer completed; raising timeout")
			s.Raiser.RaiseTimeout(timer.Source, timer.Scope)
		},
	}, true
}

// WarnSectionLeaving guards navigation out of a timed section behind an
// explicit confirmation. The end-of-test warning takes precedence: when it
// already fired, the section warning stays silent. Callers opt out with the
// skipSectionWarning parameter.
type WarnSectionLeaving struct {
	Warnings    Warnings
	Interceptor Interceptor
	Controls    NavigationControls

	// LeavesSection reports whether the pending action exits the active
	// timed section.
	LeavesSection func(action *models.Action) bool
}

func (s *WarnSectionLeaving) AppliesTo(t *Timer) (Hooks, bool) {
	if t.Kind != TimerMax || t.Scope != models.NavScopeSection {
		return Hooks{}, false
	}
	return Hooks{
		SetUp: func(*Timer) {
			s.Interceptor.AddBeforeNavigation(s.guard)
		},
	}, true
}

func (s *WarnSectionLeaving) guard(action *models.Action) bool {
	if action.Kind != models.ActionMove && action.Kind != models.ActionSkip {
		return true
	}
	if s.LeavesSection != nil && !s.LeavesSection(action) {
		return true
	}
	var skip bool
	if err := action.Param("skipSectionWarning", &skip); err == nil && skip {
		return true
	}
	if s.Warnings.EndOfTestWarned() {
		return true
	}
	if s.Warnings.ConfirmSectionLeave() {
		return true
	}
	s.Controls.EnableNavigation()
	return false
}
