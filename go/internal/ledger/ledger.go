// Package ledger implements the append-only timer ledger that underlies all
// duration math for a delivery session. Ranges are opened and closed around
// every navigation action; readers only ever see computed durations, never
// the raw ranges.
package ledger

import (
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rgoulet/examd/go/internal/models"
)

// Ledger is the ordered sequence of time ranges owned by one session. It is
// mutated only through Start, End and Adjust. Concurrent writers are not
// supported; the request lifecycle serializes access.
type Ledger struct {
	owner  string
	clock  clockwork.Clock
	ranges []models.TimeRange

	// durations computed within one request, keyed by target + sorted tags
	cache map[string]time.Duration
}

// New returns an empty ledger for the given owner (session+user key).
func New(owner string, clock clockwork.Clock) *Ledger {
	return &Ledger{
		owner: owner,
		clock: clock,
		cache: make(map[string]time.Duration),
	}
}

// Owner returns the session+user key the ledger is persisted under.
func (l *Ledger) Owner() string {
	return l.owner
}

// Start opens a range at ts for the given tags. Tags that already have an
// open range keep it: a duplicate start is logged and skipped so that a tag
// never holds two open ranges at once.
func (l *Ledger) Start(tags []string, ts time.Time) {
	fresh := make([]string, 0, len(tags))
	for _, tag := range tags {
		if l.openCount(tag) > 0 {
			log.Warn().
				Str("owner", l.owner).
				Str("tag", tag).
				Time("at", ts).
				Msg("timer range already open for tag; skipping duplicate start")
			continue
		}
		fresh = append(fresh, tag)
	}
	if len(fresh) == 0 {
		return
	}
	l.ranges = append(l.ranges, models.TimeRange{Tags: fresh, Start: ts})
	l.invalidate()
}

// End closes the most recent open range matching the tag set at ts. Closing
// when nothing is open is a no-op logged as a warning, never an error.
func (l *Ledger) End(tags []string, ts time.Time) {
	for i := len(l.ranges) - 1; i >= 0; i-- {
		r := &l.ranges[i]
		if r.Open() && r.Intersects(tags) {
			end := ts
			if end.Before(r.Start) {
				log.Warn().
					Str("owner", l.owner).
					Strs("tags", tags).
					Time("start", r.Start).
					Time("end", end).
					Msg("range end precedes its start; clamping to start")
				end = r.Start
			}
			r.End = &end
			l.invalidate()
			return
		}
	}
	log.Warn().
		Str("owner", l.owner).
		Strs("tags", tags).
		Time("at", ts).
		Msg("no open timer range to close for tags")
}

// CloseAll closes every open range at ts. Termination paths call this
// defensively so a finalized session never leaves a range running.
func (l *Ledger) CloseAll(ts time.Time) {
	for i := range l.ranges {
		r := &l.ranges[i]
		if !r.Open() {
			continue
		}
		end := ts
		if end.Before(r.Start) {
			end = r.Start
		}
		r.End = &end
		l.invalidate()
	}
}

// Adjust overrides the effective client-clock duration of the most recently
// closed range matching the tag set with a client-reported value. A nil or
// negative value falls back to the server-measured span: the inconsistency
// is logged and tolerated, it never aborts the request.
func (l *Ledger) Adjust(tags []string, explicit *time.Duration) {
	for i := len(l.ranges) - 1; i >= 0; i-- {
		r := &l.ranges[i]
		if r.Open() || !r.Intersects(tags) {
			continue
		}
		if explicit == nil || *explicit < 0 {
			log.Warn().
				Str("owner", l.owner).
				Strs("tags", tags).
				Msg("client duration absent or invalid; keeping server-measured duration")
			return
		}
		d := *explicit
		r.ClientDuration = &d
		l.invalidate()
		return
	}
	log.Warn().
		Str("owner", l.owner).
		Strs("tags", tags).
		Msg("no closed timer range to adjust for tags")
}

// Compute returns the total elapsed time attributed to the tag set for the
// requested clock target. Open ranges are measured up to the ledger clock's
// current time. Results are cached until the next mutation; the cache key
// sorts the tags so query order does not matter.
func (l *Ledger) Compute(tags []string, target models.ClockTarget) time.Duration {
	key := cacheKey(tags, target)
	if d, ok := l.cache[key]; ok {
		return d
	}
	now := l.clock.Now()
	var total time.Duration
	open := false
	for _, r := range l.ranges {
		if !r.Intersects(tags) {
			continue
		}
		if r.Open() {
			open = true
		}
		total += r.Elapsed(target, now)
	}
	if total < 0 {
		total = 0
	}
	// An open range keeps advancing with the clock, so only settled
	// durations are worth caching.
	if !open {
		l.cache[key] = total
	}
	return total
}

// OpenCount returns how many open ranges carry the tag. The ledger invariant
// keeps this at zero or one.
func (l *Ledger) OpenCount(tag string) int {
	return l.openCount(tag)
}

// RangeCount returns how many ranges carry the tag, open or closed.
func (l *Ledger) RangeCount(tag string) int {
	n := 0
	for _, r := range l.ranges {
		if r.HasTag(tag) {
			n++
		}
	}
	return n
}

// Ranges returns a copy of the ledger entries, oldest first.
func (l *Ledger) Ranges() []models.TimeRange {
	out := make([]models.TimeRange, len(l.ranges))
	copy(out, l.ranges)
	return out
}

func (l *Ledger) openCount(tag string) int {
	n := 0
	for _, r := range l.ranges {
		if r.Open() && r.HasTag(tag) {
			n++
		}
	}
	return n
}

func (l *Ledger) invalidate() {
	if len(l.cache) > 0 {
		l.cache = make(map[string]time.Duration)
	}
}

func cacheKey(tags []string, target models.ClockTarget) string {
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	return string(target) + "|" + strings.Join(sorted, ",")
}
