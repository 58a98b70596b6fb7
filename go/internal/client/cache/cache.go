// Package cache holds the client's local item definitions and responses so
// navigation can continue while the server is unreachable.
package cache

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// CachedItem is one locally stored item definition plus its mutable state.
type CachedItem struct {
	ID         string          `json:"id"`
	Definition json.RawMessage `json:"definition"`
	State      json.RawMessage `json:"state,omitempty"`
}

// ItemCache is a bounded store of item definitions. Eviction is oldest-first
// insertion order; a zero limit disables eviction, which is safe because a
// test holds finitely many items.
type ItemCache struct {
	limit int
	items map[string]*CachedItem
	order []string
}

// NewItemCache creates a cache bounded to limit entries, 0 for unbounded.
func NewItemCache(limit int) *ItemCache {
	return &ItemCache{
		limit: limit,
		items: make(map[string]*CachedItem),
	}
}

// Put stores an item definition, evicting the oldest entry past the limit.
func (c *ItemCache) Put(item CachedItem) {
	if _, ok := c.items[item.ID]; !ok {
		c.order = append(c.order, item.ID)
	}
	c.items[item.ID] = &item

	for c.limit > 0 && len(c.order) > c.limit {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
		log.Debug().Str("item_id", oldest).Msg("evicted item from cache")
	}
}

// Get returns the cached item, if present.
func (c *ItemCache) Get(id string) (*CachedItem, bool) {
	item, ok := c.items[id]
	return item, ok
}

// Has reports whether the item is cached.
func (c *ItemCache) Has(id string) bool {
	_, ok := c.items[id]
	return ok
}

// SetState replaces the mutable state of a cached item.
func (c *ItemCache) SetState(id string, state json.RawMessage) bool {
	item, ok := c.items[id]
	if !ok {
		return false
	}
	item.State = state
	return true
}

// Len returns the number of cached items.
func (c *ItemCache) Len() int {
	return len(c.items)
}

// ResponseCache keeps correct and submitted responses per item, consulted by
// offline allow-skip validation.
type ResponseCache struct {
	correct   map[string]json.RawMessage
	submitted map[string]json.RawMessage
}

// NewResponseCache creates an empty response cache.
func NewResponseCache() *ResponseCache {
	return &ResponseCache{
		correct:   make(map[string]json.RawMessage),
		submitted: make(map[string]json.RawMessage),
	}
}

// SetCorrect records the correct response for an item.
func (c *ResponseCache) SetCorrect(itemID string, response json.RawMessage) {
	c.correct[itemID] = response
}

// SetSubmitted records what the taker submitted for an item.
func (c *ResponseCache) SetSubmitted(itemID string, response json.RawMessage) {
	c.submitted[itemID] = response
}

// Correct returns the correct response for an item, if known.
func (c *ResponseCache) Correct(itemID string) (json.RawMessage, bool) {
	r, ok := c.correct[itemID]
	return r, ok
}

// Submitted returns the submitted response for an item, if any.
func (c *ResponseCache) Submitted(itemID string) (json.RawMessage, bool) {
	r, ok := c.submitted[itemID]
	return r, ok
}

// HasSubmitted reports whether a non-empty response was submitted for the
// item.
func (c *ResponseCache) HasSubmitted(itemID string) bool {
	r, ok := c.submitted[itemID]
	if !ok {
		return false
	}
	return !emptyResponse(r)
}

func emptyResponse(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	return false
}
