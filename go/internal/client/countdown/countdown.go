// Package countdown runs the client's polling countdowns. A countdown owns
// the only recurring timer on the client; strategies observe its lifecycle
// instead of polling on their own.
package countdown

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Hooks receives countdown lifecycle notifications. Nil funcs are skipped.
type Hooks struct {
	OnTick     func(remaining time.Duration)
	OnComplete func()
}

// Countdown counts a duration down to zero on a periodic polling tick.
// Reaching zero moves it to a terminal completed state exactly once; a
// completed countdown cannot be restarted and ignores further updates.
type Countdown struct {
	clock    clockwork.Clock
	interval time.Duration
	hooks    Hooks

	mu        sync.Mutex
	deadline  time.Time
	running   bool
	completed bool
	stopCh    chan struct{}
}

// New creates a countdown for the given duration. interval is the polling
// period; it must be positive.
func New(clock clockwork.Clock, d, interval time.Duration, hooks Hooks) *Countdown {
	return &Countdown{
		clock:    clock,
		interval: interval,
		hooks:    hooks,
		deadline: clock.Now().Add(d),
	}
}

// Start begins polling. Starting an already-running or completed countdown is
// a no-op.
func (c *Countdown) Start() {
	c.mu.Lock()
	if c.running || c.completed {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	go c.poll(stopCh)
}

func (c *Countdown) poll(stopCh chan struct{}) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.Chan():
			if done := c.tick(); done {
				return
			}
		}
	}
}

// tick reports the remaining time and completes the countdown when it hits
// zero. It returns true once polling should stop.
func (c *Countdown) tick() bool {
	c.mu.Lock()
	if c.completed || !c.running {
		c.mu.Unlock()
		return true
	}
	remaining := c.deadline.Sub(c.clock.Now())
	if remaining > 0 {
		c.mu.Unlock()
		if c.hooks.OnTick != nil {
			c.hooks.OnTick(remaining)
		}
		return false
	}

	// Terminal: completed fires exactly once.
	c.completed = true
	c.running = false
	c.mu.Unlock()

	if c.hooks.OnTick != nil {
		c.hooks.OnTick(0)
	}
	if c.hooks.OnComplete != nil {
		c.hooks.OnComplete()
	}
	return true
}

// Update replaces the remaining time. Updates on a completed countdown are
// no-ops.
func (c *Countdown) Update(remaining time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		log.Debug().Dur("remaining", remaining).Msg("update on completed countdown ignored")
		return
	}
	c.deadline = c.clock.Now().Add(remaining)
}

// Remaining returns the time left, clamped at zero.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return 0
	}
	if r := c.deadline.Sub(c.clock.Now()); r > 0 {
		return r
	}
	return 0
}

// Completed reports whether the countdown reached its terminal state.
func (c *Countdown) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Destroy stops polling. The countdown must be destroyed before it can be
// reclaimed; a destroyed countdown never fires again.
func (c *Countdown) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		close(c.stopCh)
		c.running = false
	}
}
