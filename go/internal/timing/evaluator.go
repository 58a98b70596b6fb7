package timing

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rgoulet/examd/go/internal/ledger"
	"github.com/rgoulet/examd/go/internal/models"
)

// Evaluator builds time constraints for one navigation point from the
// current ledger state. A fresh evaluator is constructed per request; it
// carries no state beyond its inputs.
type Evaluator struct {
	ledger   *ledger.Ledger
	pool     *ExtraTimePool
	testMap  *models.TestMap
	pos      models.MapPosition
	target   models.ClockTarget
	consider bool
	clock    clockwork.Clock
}

// NewEvaluator returns an evaluator for the item the session currently
// points at. target selects which clock duration queries trust; sessions
// that have gone offline-aware trust the client clock.
func NewEvaluator(l *ledger.Ledger, pool *ExtraTimePool, testMap *models.TestMap, pos models.MapPosition, target models.ClockTarget, considerMinTime bool, clock clockwork.Clock) *Evaluator {
	return &Evaluator{
		ledger:   l,
		pool:     pool,
		testMap:  testMap,
		pos:      pos,
		target:   target,
		consider: considerMinTime,
		clock:    clock,
	}
}

// Constraints evaluates the constraint of every selected scope that carries
// configured time limits, innermost scope first.
func (e *Evaluator) Constraints(scopes Scope) []Constraint {
	var out []Constraint
	if scopes.Has(ScopeItem) && e.pos.Item != nil {
		if c, ok := e.build(e.pos.Item.ID, ScopeItem, e.pos.Item.TimeLimits); ok {
			out = append(out, c)
		}
	}
	if scopes.Has(ScopeSection) && e.pos.Section != nil {
		if c, ok := e.build(e.pos.Section.ID, ScopeSection, e.pos.Section.TimeLimits); ok {
			out = append(out, c)
		}
	}
	if scopes.Has(ScopePart) && e.pos.Part != nil {
		if c, ok := e.build(e.pos.Part.ID, ScopePart, e.pos.Part.TimeLimits); ok {
			out = append(out, c)
		}
	}
	if scopes.Has(ScopeTest) && e.testMap != nil {
		if c, ok := e.build(e.testMap.TestID, ScopeTest, e.testMap.TimeLimits); ok {
			out = append(out, c)
		}
	}
	return out
}

// IsTimeout evaluates all relevant constraints under strict settings
// (minimum times ignored, maximum times applied) and reports whether any
// source has run out of time. The not-yet-timed-out case is a plain false,
// never an error.
func (e *Evaluator) IsTimeout() bool {
	for _, c := range e.Constraints(ScopeAll) {
		c.ConsiderMinTime = false
		if c.Exceeded(e.extraRemaining()) {
			return true
		}
	}
	return false
}

// EndItemTimer closes the active range for the current item's tags,
// optionally overrides the measured duration with a client-reported value,
// and returns the extra time consumed by this visit. The consumption is
// computed from the constraints rebuilt after the range closes, against the
// maximum max-time bound across all applicable sources.
func (e *Evaluator) EndItemTimer(clientDuration *time.Duration) time.Duration {
	tags := e.itemTags()
	e.ledger.End(tags, e.clock.Now())
	e.ledger.Adjust(tags, clientDuration)

	// Rebuilt after the close: each source measures its own overrun
	// against its own max bound, and the visit consumes the largest one.
	// Intentionally a maximum, not a sum; pending product confirmation.
	var over time.Duration
	for _, c := range e.Constraints(ScopeAll) {
		if c.MaxTime == nil || !c.ApplyExtraTime {
			continue
		}
		if o := c.Duration - *c.MaxTime; o > over {
			over = o
		}
	}
	if over <= 0 {
		return 0
	}
	applied := e.pool.Consume(over)
	log.Debug().
		Strs("tags", tags).
		Dur("over", over).
		Dur("applied", applied).
		Dur("pool_consumed", e.pool.Consumed()).
		Msg("extra time consumed on item timer close")
	return applied
}

// StartItemTimer opens a new range for the current item's tags. Callers
// invoke this only after the new navigation context has been built so the
// range is attributed to the right item.
func (e *Evaluator) StartItemTimer() {
	e.ledger.Start(e.itemTags(), e.clock.Now())
}

func (e *Evaluator) itemTags() []string {
	tags := e.pos.Tags()
	if e.testMap != nil {
		tags = append(tags, e.testMap.TestID)
	}
	return tags
}

func (e *Evaluator) build(source string, scope Scope, limits models.TimeLimits) (Constraint, bool) {
	if limits.MinTime == nil && limits.MaxTime == nil {
		return Constraint{}, false
	}
	mode := models.NavigationModeNonLinear
	if e.pos.Part != nil {
		mode = e.pos.Part.NavigationMode
	}
	return Constraint{
		Source:          source,
		Scope:           scope,
		MinTime:         limits.MinTime,
		MaxTime:         limits.MaxTime,
		NavigationMode:  mode,
		ConsiderMinTime: e.consider,
		ApplyExtraTime:  limits.MaxTime != nil && e.pool.Total() > 0,
		Duration:        e.ledger.Compute([]string{source}, e.target),
	}, true
}

func (e *Evaluator) extraRemaining() time.Duration {
	return e.pool.Remaining()
}
