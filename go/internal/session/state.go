package session

import (
	"encoding/json"
)

// ExtendedState is the per-session record of delivery flags that live
// outside the timer ledger: item flags, the href index, adaptive-engine
// values and the client store identifier. All writes buffer in memory and
// reach persistence only through an explicit Flush, so a crashed request
// never leaves a partially written record behind.
type ExtendedState struct {
	ItemFlags      map[string]bool            `json:"item_flags"`
	HrefIndex      map[int]string             `json:"href_index"`
	AdaptiveValues map[string]json.RawMessage `json:"adaptive_values,omitempty"`
	StoreID        string                     `json:"store_id,omitempty"`

	dirty bool
}

// NewExtendedState returns an empty state record.
func NewExtendedState() *ExtendedState {
	return &ExtendedState{
		ItemFlags: make(map[string]bool),
		HrefIndex: make(map[int]string),
	}
}

// FlagItem marks or unmarks an item for review.
func (s *ExtendedState) FlagItem(itemID string, flagged bool) {
	if s.ItemFlags == nil {
		s.ItemFlags = make(map[string]bool)
	}
	s.ItemFlags[itemID] = flagged
	s.dirty = true
}

// SetHref records the href an item position resolves to.
func (s *ExtendedState) SetHref(position int, href string) {
	if s.HrefIndex == nil {
		s.HrefIndex = make(map[int]string)
	}
	s.HrefIndex[position] = href
	s.dirty = true
}

// SetAdaptiveValue stores one adaptive-engine variable.
func (s *ExtendedState) SetAdaptiveValue(name string, value json.RawMessage) {
	if s.AdaptiveValues == nil {
		s.AdaptiveValues = make(map[string]json.RawMessage)
	}
	s.AdaptiveValues[name] = value
	s.dirty = true
}

// SetStoreID records the client-side store identifier so a resumed session
// can find its local caches again.
func (s *ExtendedState) SetStoreID(id string) {
	if s.StoreID == id {
		return
	}
	s.StoreID = id
	s.dirty = true
}

// Dirty reports whether the record holds unflushed writes.
func (s *ExtendedState) Dirty() bool {
	return s.dirty
}

// MarkClean resets the dirty flag after a successful flush.
func (s *ExtendedState) MarkClean() {
	s.dirty = false
}
