package cache

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rgoulet/examd/go/internal/models"
)

// ErrCannotNavigateOffline is returned when offline navigation would land on
// an item that is not in the local cache.
var ErrCannotNavigateOffline = errors.New("cannot navigate offline: target item not cached")

// Navigator resolves navigation against the cached test map and item cache
// while the server is unreachable.
type Navigator struct {
	testMap *models.TestMap
	items   *ItemCache
}

// NewNavigator creates an offline navigator over the cached map and items.
func NewNavigator(testMap *models.TestMap, items *ItemCache) *Navigator {
	return &Navigator{testMap: testMap, items: items}
}

// HasItem reports whether the item at the given position is locally cached.
func (n *Navigator) HasItem(position int) bool {
	pos, ok := n.testMap.At(position)
	if !ok {
		return false
	}
	return n.items.Has(pos.Item.ID)
}

// HasNextItem reports whether the item after position is cached.
func (n *Navigator) HasNextItem(position int) bool {
	return n.HasItem(position + 1)
}

// HasPreviousItem reports whether the item before position is cached.
func (n *Navigator) HasPreviousItem(position int) bool {
	return position > 0 && n.HasItem(position-1)
}

// Resolve computes the target position of an offline move. It fails with
// ErrCannotNavigateOffline when the target item is not cached, rather than
// letting the client stall on a missing definition.
func (n *Navigator) Resolve(position int, direction models.Direction, jumpTo int) (models.MapPosition, error) {
	var target int
	switch direction {
	case models.DirectionNext:
		target = position + 1
	case models.DirectionPrevious:
		target = position - 1
	case models.DirectionJump:
		target = jumpTo
	default:
		return models.MapPosition{}, fmt.Errorf("unknown direction %q", direction)
	}

	pos, ok := n.testMap.At(target)
	if !ok {
		return models.MapPosition{}, fmt.Errorf("no item at position %d", target)
	}
	if !n.items.Has(pos.Item.ID) {
		log.Warn().
			Int("position", target).
			Str("item_id", pos.Item.ID).
			Msg("offline navigation blocked by missing cached item")
		return models.MapPosition{}, ErrCannotNavigateOffline
	}
	return pos, nil
}

// ReachesLastItem reports whether a move in the given direction would land
// on the final item of the test.
func (n *Navigator) ReachesLastItem(position int, direction models.Direction) bool {
	if direction != models.DirectionNext {
		return false
	}
	return n.testMap.IsLast(position + 1)
}

// AllowSkip decides offline whether the current item may be left without a
// response: the map allows skipping outright, or a response was already
// submitted and cached.
func (n *Navigator) AllowSkip(position int, responses *ResponseCache) bool {
	pos, ok := n.testMap.At(position)
	if !ok {
		return true
	}
	if pos.Item.AllowSkipping {
		return true
	}
	return responses.HasSubmitted(pos.Item.ID)
}
