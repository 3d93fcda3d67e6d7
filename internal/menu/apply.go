package menu

import "fmt"

// Apply applies changes to s in order. It checks that referenced items and
// categories exist but does not compare old values, which lets it run against
// a branch menu whose values diverge through local overrides.
func Apply(s *State, changes ChangeSet) error {
	for i, c := range changes {
		if err := applyOne(s, c, false); err != nil {
			return fmt.Errorf("change %d (%s): %w", i, c.Kind(), err)
		}
	}
	return nil
}

// ApplyStrict applies changes to s and additionally requires every old value to
// match the current state and every category reference to resolve. It is used
// to validate authored diffs against the master menu.
func ApplyStrict(s *State, changes ChangeSet) error {
	for i, c := range changes {
		if err := applyOne(s, c, true); err != nil {
			return fmt.Errorf("change %d (%s): %w", i, c.Kind(), err)
		}
	}
	return nil
}

// ApplyChange applies a single change leniently.
func ApplyChange(s *State, c Change) error {
	return applyOne(s, c, false)
}

func applyOne(s *State, c Change, strict bool) error {
	if s.Items == nil {
		s.Items = make(map[string]Item)
	}
	if s.Categories == nil {
		s.Categories = make(map[string]Category)
	}

	switch v := c.(type) {
	case ItemAdded:
		if v.Item.ID == "" {
			return fmt.Errorf("%w: item without id", ErrMalformedChange)
		}
		if _, ok := s.Items[v.Item.ID]; ok {
			return fmt.Errorf("%w: item %s", ErrDuplicate, v.Item.ID)
		}
		if strict && v.Item.CategoryID != "" {
			if _, ok := s.Categories[v.Item.CategoryID]; !ok {
				return fmt.Errorf("%w: %s", ErrUnknownCategory, v.Item.CategoryID)
			}
		}
		s.Items[v.Item.ID] = v.Item

	case ItemRemoved:
		if _, ok := s.Items[v.ItemID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownItem, v.ItemID)
		}
		delete(s.Items, v.ItemID)

	case ItemFieldChanged:
		it, ok := s.Items[v.ItemID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownItem, v.ItemID)
		}
		if strict {
			if cur := it.Get(v.Field); !cur.Equal(v.Old) {
				return fmt.Errorf("%w: %s of item %s is %q, change expects %q",
					ErrStale, v.Field, v.ItemID, cur.String(), v.Old.String())
			}
			if v.Field == FieldCategory && v.New.AsText() != "" {
				if _, ok := s.Categories[v.New.AsText()]; !ok {
					return fmt.Errorf("%w: %s", ErrUnknownCategory, v.New.AsText())
				}
			}
		}
		if err := it.Set(v.Field, v.New); err != nil {
			return err
		}
		s.Items[v.ItemID] = it

	case CategoryAdded:
		if v.Category.ID == "" {
			return fmt.Errorf("%w: category without id", ErrMalformedChange)
		}
		if _, ok := s.Categories[v.Category.ID]; ok {
			return fmt.Errorf("%w: category %s", ErrDuplicate, v.Category.ID)
		}
		s.Categories[v.Category.ID] = v.Category

	case CategoryRemoved:
		if _, ok := s.Categories[v.CategoryID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCategory, v.CategoryID)
		}
		if strict {
			for _, it := range s.Items {
				if it.CategoryID == v.CategoryID {
					return fmt.Errorf("%w: category %s still holds item %s", ErrStale, v.CategoryID, it.ID)
				}
			}
		}
		delete(s.Categories, v.CategoryID)

	case CategoryRenamed:
		cat, ok := s.Categories[v.CategoryID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCategory, v.CategoryID)
		}
		if strict && cat.Name != v.OldName {
			return fmt.Errorf("%w: category %s is named %q, change expects %q", ErrStale, v.CategoryID, cat.Name, v.OldName)
		}
		cat.Name = v.NewName
		s.Categories[v.CategoryID] = cat

	case CategoryReordered:
		cat, ok := s.Categories[v.CategoryID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCategory, v.CategoryID)
		}
		if strict && cat.SortOrder != v.OldSortOrder {
			return fmt.Errorf("%w: category %s has sort order %d, change expects %d", ErrStale, v.CategoryID, cat.SortOrder, v.OldSortOrder)
		}
		cat.SortOrder = v.NewSortOrder
		s.Categories[v.CategoryID] = cat

	default:
		return fmt.Errorf("%w: %T", ErrMalformedChange, c)
	}
	return nil
}
