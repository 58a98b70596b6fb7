package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rgoulet/examd/go/internal/models"
)

// serializedRange is the compact persisted form of one ledger entry.
// Timestamps and durations are stored as millisecond integers.
type serializedRange struct {
	Tags     []string `json:"tags"`
	Start    int64    `json:"start"`
	End      *int64   `json:"end,omitempty"`
	ClientMs *int64   `json:"client_ms,omitempty"`
}

// Snapshot serializes the full ledger. Callers must persist the result
// atomically: the codec has no notion of partial writes.
func (l *Ledger) Snapshot() ([]byte, error) {
	records := make([]serializedRange, len(l.ranges))
	for i, r := range l.ranges {
		rec := serializedRange{
			Tags:  r.Tags,
			Start: r.Start.UnixMilli(),
		}
		if r.End != nil {
			end := r.End.UnixMilli()
			rec.End = &end
		}
		if r.ClientDuration != nil {
			ms := r.ClientDuration.Milliseconds()
			rec.ClientMs = &ms
		}
		records[i] = rec
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("marshal timer ledger: %w", err)
	}
	return data, nil
}

// Restore replaces the ledger contents with a previously serialized
// snapshot. The in-request duration cache is discarded.
func (l *Ledger) Restore(data []byte) error {
	var records []serializedRange
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("unmarshal timer ledger: %w", err)
	}
	ranges := make([]models.TimeRange, len(records))
	for i, rec := range records {
		r := models.TimeRange{
			Tags:  rec.Tags,
			Start: time.UnixMilli(rec.Start).UTC(),
		}
		if rec.End != nil {
			end := time.UnixMilli(*rec.End).UTC()
			r.End = &end
		}
		if rec.ClientMs != nil {
			d := time.Duration(*rec.ClientMs) * time.Millisecond
			r.ClientDuration = &d
		}
		ranges[i] = r
	}
	l.ranges = ranges
	l.invalidate()
	return nil
}
