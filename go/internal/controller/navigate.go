package controller

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rgoulet/examd/go/internal/models"
)

// errEndOfTest signals that the requested move points past the last item and
// the attempt should finalize instead of navigating.
var errEndOfTest = fmt.Errorf("end of test reached")

// resolveTarget computes the item position a navigation request lands on.
// Linear parts only ever move forward; previous and jump are rejected there
// before any state changes.
func resolveTarget(tm *models.TestMap, pos models.MapPosition, dir models.Direction, scope models.NavigationScope, jumpTo int, mode models.NavigationMode) (int, error) {
	switch dir {
	case models.DirectionJump:
		if mode == models.NavigationModeLinear {
			return 0, fmt.Errorf("jump is not allowed in a linear test part")
		}
		if _, ok := tm.At(jumpTo); !ok {
			return 0, fmt.Errorf("no item at position %d", jumpTo)
		}
		return jumpTo, nil

	case models.DirectionPrevious:
		if mode == models.NavigationModeLinear {
			return 0, fmt.Errorf("previous is not allowed in a linear test part")
		}
		target := previousBoundary(tm, pos, scope)
		if target < 0 {
			return 0, fmt.Errorf("no previous %s before position %d", scope, pos.Position)
		}
		return target, nil

	case models.DirectionNext:
		target := nextBoundary(tm, pos, scope)
		if target >= tm.ItemCount() {
			return 0, errEndOfTest
		}
		return target, nil
	}
	return 0, fmt.Errorf("unknown direction %q", dir)
}

// nextBoundary returns the first position after the current scope boundary.
func nextBoundary(tm *models.TestMap, pos models.MapPosition, scope models.NavigationScope) int {
	switch scope {
	case models.NavScopeSection:
		if pos.Section == nil {
			return tm.ItemCount()
		}
		return lastPositionOf(pos.Section.Items) + 1
	case models.NavScopeTestPart:
		if pos.Part == nil {
			return tm.ItemCount()
		}
		last := pos.Position
		for _, s := range pos.Part.Sections {
			if p := lastPositionOf(s.Items); p > last {
				last = p
			}
		}
		return last + 1
	case models.NavScopeTest:
		return tm.ItemCount()
	default:
		return pos.Position + 1
	}
}

// previousBoundary returns the first position of the previous scope entry,
// or -1 when there is none.
func previousBoundary(tm *models.TestMap, pos models.MapPosition, scope models.NavigationScope) int {
	switch scope {
	case models.NavScopeSection:
		var prev *models.MapSection
		for pi := range tm.Parts {
			for si := range tm.Parts[pi].Sections {
				s := &tm.Parts[pi].Sections[si]
				if s == pos.Section {
					return firstPositionOfSection(prev)
				}
				prev = s
			}
		}
		return -1
	case models.NavScopeTestPart:
		for pi := range tm.Parts {
			if &tm.Parts[pi] == pos.Part {
				if pi == 0 {
					return -1
				}
				return firstPositionOfPart(&tm.Parts[pi-1])
			}
		}
		return -1
	default:
		return pos.Position - 1
	}
}

func firstPositionOfSection(section *models.MapSection) int {
	if section == nil || len(section.Items) == 0 {
		return -1
	}
	return section.Items[0].Position
}

func firstPositionOfPart(part *models.MapPart) int {
	if part == nil {
		return -1
	}
	for _, s := range part.Sections {
		if len(s.Items) > 0 {
			return s.Items[0].Position
		}
	}
	return -1
}

func lastPositionOf(items []models.MapItem) int {
	last := -1
	for _, it := range items {
		if it.Position > last {
			last = it.Position
		}
	}
	return last
}

// emptyResponse reports whether a submitted response carries no answer:
// absent, JSON null, an empty string, or an empty container.
func emptyResponse(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	return false
}
