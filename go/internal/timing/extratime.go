package timing

import (
	"time"
)

// ExtraTimePool tracks the global additional-time allowance of one session.
// Consumed time only grows and never passes the total allowance, no matter
// how many timers report consumption concurrently.
type ExtraTimePool struct {
	total    time.Duration
	consumed time.Duration
}

// NewExtraTimePool returns a pool with the given total allowance.
func NewExtraTimePool(total time.Duration) *ExtraTimePool {
	if total < 0 {
		total = 0
	}
	return &ExtraTimePool{total: total}
}

// Total returns the configured allowance.
func (p *ExtraTimePool) Total() time.Duration {
	return p.total
}

// Consumed returns how much of the allowance has been drawn.
func (p *ExtraTimePool) Consumed() time.Duration {
	return p.consumed
}

// Remaining returns the unconsumed allowance.
func (p *ExtraTimePool) Remaining() time.Duration {
	return p.total - p.consumed
}

// Consume draws d from the pool and returns the amount actually applied
// after capping at the total allowance. Negative draws are ignored.
func (p *ExtraTimePool) Consume(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	applied := d
	if p.consumed+applied > p.total {
		applied = p.total - p.consumed
	}
	p.consumed += applied
	return applied
}

// Report reconciles an externally computed consumed amount, e.g. a value a
// client timer reported. The pool keeps the largest of the current and the
// reported value, still capped at the total.
func (p *ExtraTimePool) Report(consumed time.Duration) {
	if consumed <= p.consumed {
		return
	}
	if consumed > p.total {
		consumed = p.total
	}
	p.consumed = consumed
}
