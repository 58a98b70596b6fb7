package models

import (
	"time"
)

// ClockTarget selects which clock a duration query is evaluated against.
// Server timestamps are authoritative; client durations are the values the
// taker's device reported and are used to reconcile flaky-network sessions.
type ClockTarget string

const (
	ClockTargetServer ClockTarget = "server"
	ClockTargetClient ClockTarget = "client"
)

// TimeRange is one entry in a session's timer ledger: a span of wall time
// attributed to a set of scope tags (item, section, part, test). A range with
// a nil End is still open.
type TimeRange struct {
	Tags  []string   `json:"tags"`
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`

	// ClientDuration overrides the server-measured span for client-clock
	// queries when the taker's device reported its own elapsed time.
	ClientDuration *time.Duration `json:"client_duration,omitempty"`
}

// Open reports whether the range has not been closed yet.
func (r TimeRange) Open() bool {
	return r.End == nil
}

// HasTag reports whether the range is attributed to tag.
func (r TimeRange) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Intersects reports whether the range shares at least one tag with tags.
func (r TimeRange) Intersects(tags []string) bool {
	for _, t := range tags {
		if r.HasTag(t) {
			return true
		}
	}
	return false
}

// Elapsed returns the span covered by the range for the given clock target,
// measuring open ranges up to now. Negative spans clamp to zero.
func (r TimeRange) Elapsed(target ClockTarget, now time.Time) time.Duration {
	if r.End != nil && target == ClockTargetClient && r.ClientDuration != nil {
		if *r.ClientDuration < 0 {
			return 0
		}
		return *r.ClientDuration
	}
	end := now
	if r.End != nil {
		end = *r.End
	}
	d := end.Sub(r.Start)
	if d < 0 {
		return 0
	}
	return d
}
