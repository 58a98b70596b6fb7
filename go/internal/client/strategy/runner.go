package strategy

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rgoulet/examd/go/internal/client/countdown"
)

// Runner owns one countdown per active timer and drives the handler's
// lifecycle from it: SetUp and Start when a timer is tracked, Complete when
// its countdown reaches zero, Stop and TearDown when it is released.
type Runner struct {
	clock    clockwork.Clock
	handler  *Handler
	interval time.Duration

	mu     sync.Mutex
	active map[string]*running
}

type running struct {
	timer     *Timer
	countdown *countdown.Countdown
}

// NewRunner creates a runner polling at the given interval.
func NewRunner(clock clockwork.Clock, handler *Handler, interval time.Duration) *Runner {
	return &Runner{
		clock:    clock,
		handler:  handler,
		interval: interval,
		active:   make(map[string]*running),
	}
}

func timerKey(t *Timer) string {
	return t.Source + "/" + string(t.Scope)
}

// Apply reconciles the running countdowns against a fresh set of timers,
// typically the constraints of the latest server response: unknown timers
// start a countdown, known ones get their remaining time refreshed, and
// timers absent from the set are released.
func (r *Runner) Apply(timers []*Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(timers))
	for _, t := range timers {
		key := timerKey(t)
		seen[key] = true
		if run, ok := r.active[key]; ok {
			run.timer.Remaining = t.Remaining
			run.countdown.Update(t.Remaining)
			continue
		}
		r.track(key, t)
	}
	for key, run := range r.active {
		if !seen[key] {
			r.release(key, run)
		}
	}
}

// Release stops and tears down the timer's countdown if one is running.
func (r *Runner) Release(t *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := timerKey(t)
	if run, ok := r.active[key]; ok {
		r.release(key, run)
	}
}

// StopAll releases every running countdown, used when the test finishes or
// the session suspends.
func (r *Runner) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, run := range r.active {
		r.release(key, run)
	}
}

// ActiveCount returns how many countdowns are running.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// track must run under r.mu.
func (r *Runner) track(key string, t *Timer) {
	r.handler.SetUp(t)
	cd := countdown.New(r.clock, t.Remaining, r.interval, countdown.Hooks{
		OnTick: func(remaining time.Duration) {
			r.mu.Lock()
			t.Remaining = remaining
			r.mu.Unlock()
		},
		OnComplete: func() {
			log.Debug().
				Str("source", t.Source).
				Str("scope", string(t.Scope)).
				Msg("countdown completed")
			r.handler.Complete(t)
		},
	})
	r.active[key] = &running{timer: t, countdown: cd}
	r.handler.Start(t)
	cd.Start()
}

// release must run under r.mu.
func (r *Runner) release(key string, run *running) {
	run.countdown.Destroy()
	r.handler.Stop(run.timer)
	r.handler.TearDown(run.timer)
	delete(r.active, key)
}
