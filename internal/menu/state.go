// state.go
//
// Master menu version control and branch synchronization service
// Copyright (c) 2026 Alex Grant <info@localnerve.com> (https://www.localnerve.com), LocalNerve LLC
//
// This file is part of menusync.
// menusync is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the Free Software
// Foundation, either version 3 of the License, or (at your option) any later version.
// menusync is distributed in the hope that it will be useful, but WITHOUT ANY WARRANTY;
// without even the implied warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU Affero General Public License for more details.
// You should have received a copy of the GNU Affero General Public License along with menusync.
// If not, see <https://www.gnu.org/licenses/>.
// Additional terms under GNU AGPL version 3 section 7:
// a) The reasonable legal notice of original copyright and author attribution must be preserved
//    by including the string: "Copyright (c) 2026 Alex Grant <info@localnerve.com> (https://www.localnerve.com), LocalNerve LLC"
//    in this material, copies, or source code of derived works.

// Package menu holds the menu state model, the typed change variants that describe
// the difference between two states, and the engine that computes and applies them.
package menu

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Item is a single menu item identified by a stable ID.
type Item struct {
	ID          string          `json:"id" validate:"required"`
	CategoryID  string          `json:"category_id,omitempty"`
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Available   bool            `json:"available"`
	SortOrder   int             `json:"sort_order"`
}

// Category groups items.
type Category struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	SortOrder int    `json:"sort_order"`
}

// State is a full menu: every category and every item keyed by ID.
type State struct {
	Categories map[string]Category `json:"categories"`
	Items      map[string]Item     `json:"items"`
}

// NewState returns an empty menu.
func NewState() *State {
	return &State{
		Categories: make(map[string]Category),
		Items:      make(map[string]Item),
	}
}

// Clone returns a deep copy. A nil state clones to an empty one.
func (s *State) Clone() *State {
	out := NewState()
	if s == nil {
		return out
	}
	for id, c := range s.Categories {
		out.Categories[id] = c
	}
	for id, it := range s.Items {
		out.Items[id] = it
	}
	return out
}

// Equal reports whether both states hold the same categories and items.
func (s *State) Equal(o *State) bool {
	a, b := s.Clone(), o.Clone()
	if len(a.Categories) != len(b.Categories) || len(a.Items) != len(b.Items) {
		return false
	}
	for id, c := range a.Categories {
		if oc, ok := b.Categories[id]; !ok || oc != c {
			return false
		}
	}
	for id, it := range a.Items {
		oi, ok := b.Items[id]
		if !ok || !it.Equal(oi) {
			return false
		}
	}
	return true
}

// Equal compares items field by field, prices by numeric value.
func (it Item) Equal(o Item) bool {
	for _, f := range itemFields {
		if !it.Get(f).Equal(o.Get(f)) {
			return false
		}
	}
	return it.ID == o.ID
}

// ItemIDs returns the item IDs in ascending order.
func (s *State) ItemIDs() []string {
	ids := make([]string, 0, len(s.Items))
	for id := range s.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CategoryIDs returns the category IDs in ascending order.
func (s *State) CategoryIDs() []string {
	ids := make([]string, 0, len(s.Categories))
	for id := range s.Categories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OrderedItems returns items in display order: category sort order, item sort order, then ID.
func (s *State) OrderedItems() []Item {
	items := make([]Item, 0, len(s.Items))
	for _, it := range s.Items {
		items = append(items, it)
	}
	catOrder := func(id string) int {
		if c, ok := s.Categories[id]; ok {
			return c.SortOrder
		}
		return -1
	}
	sort.Slice(items, func(i, j int) bool {
		ci, cj := catOrder(items[i].CategoryID), catOrder(items[j].CategoryID)
		if ci != cj {
			return ci < cj
		}
		if items[i].SortOrder != items[j].SortOrder {
			return items[i].SortOrder < items[j].SortOrder
		}
		return items[i].ID < items[j].ID
	})
	return items
}
