package models

import (
	"time"
)

// Direction is the navigation-direction vocabulary shared with collaborators.
type Direction string

const (
	DirectionNext     Direction = "next"
	DirectionPrevious Direction = "previous"
	DirectionJump     Direction = "jump"
)

// NavigationScope names the level a navigation action targets.
type NavigationScope string

const (
	NavScopeItem     NavigationScope = "item"
	NavScopeSection  NavigationScope = "section"
	NavScopeTestPart NavigationScope = "testPart"
	NavScopeTest     NavigationScope = "test"
)

// TimeLimits holds the configured timing bounds of one map entry.
type TimeLimits struct {
	MinTime             *time.Duration `json:"min_time,omitempty"`
	MaxTime             *time.Duration `json:"max_time,omitempty"`
	AllowLateSubmission bool           `json:"allow_late_submission,omitempty"`
}

// MapItem is one deliverable item within the test map.
type MapItem struct {
	ID            string     `json:"id"`
	Href          string     `json:"href"`
	Position      int        `json:"position"`
	Categories    []string   `json:"categories,omitempty"`
	AllowSkipping bool       `json:"allow_skipping"`
	Informational bool       `json:"informational,omitempty"`
	TimeLimits    TimeLimits `json:"time_limits"`
}

// MapSection groups consecutive items.
type MapSection struct {
	ID         string     `json:"id"`
	Label      string     `json:"label,omitempty"`
	TimeLimits TimeLimits `json:"time_limits"`
	Items      []MapItem  `json:"items"`
}

// MapPart groups sections and fixes the navigation mode for all of them.
type MapPart struct {
	ID             string         `json:"id"`
	NavigationMode NavigationMode `json:"navigation_mode"`
	TimeLimits     TimeLimits     `json:"time_limits"`
	Sections       []MapSection   `json:"sections"`
}

// TestMap is the hierarchical part->section->item structure the delivery
// engine navigates over. It is produced by collaborators outside this core
// and treated as read-only here.
type TestMap struct {
	TestID     string     `json:"test_id"`
	TimeLimits TimeLimits `json:"time_limits"`
	Parts      []MapPart  `json:"parts"`
}

// MapPosition locates one item within the map alongside its ancestry.
type MapPosition struct {
	Part     *MapPart
	Section  *MapSection
	Item     *MapItem
	Position int
}

// Tags returns the ledger tags for the located item, most specific first.
func (p MapPosition) Tags() []string {
	tags := make([]string, 0, 4)
	if p.Item != nil {
		tags = append(tags, p.Item.ID)
	}
	if p.Section != nil {
		tags = append(tags, p.Section.ID)
	}
	if p.Part != nil {
		tags = append(tags, p.Part.ID)
	}
	return tags
}

// ItemCount returns the number of items across all parts.
func (m *TestMap) ItemCount() int {
	n := 0
	for pi := range m.Parts {
		for si := range m.Parts[pi].Sections {
			n += len(m.Parts[pi].Sections[si].Items)
		}
	}
	return n
}

// At locates the item at the given zero-based position.
func (m *TestMap) At(position int) (MapPosition, bool) {
	for pi := range m.Parts {
		part := &m.Parts[pi]
		for si := range part.Sections {
			section := &part.Sections[si]
			for ii := range section.Items {
				item := &section.Items[ii]
				if item.Position == position {
					return MapPosition{Part: part, Section: section, Item: item, Position: position}, true
				}
			}
		}
	}
	return MapPosition{}, false
}

// Find locates an item by identifier.
func (m *TestMap) Find(itemID string) (MapPosition, bool) {
	for pi := range m.Parts {
		part := &m.Parts[pi]
		for si := range part.Sections {
			section := &part.Sections[si]
			for ii := range section.Items {
				item := &section.Items[ii]
				if item.ID == itemID {
					return MapPosition{Part: part, Section: section, Item: item, Position: item.Position}, true
				}
			}
		}
	}
	return MapPosition{}, false
}

// IsLast reports whether position is the final item of the test.
func (m *TestMap) IsLast(position int) bool {
	return position == m.ItemCount()-1
}
