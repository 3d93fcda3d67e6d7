package menu

// Diff computes the changes that turn from into to. Items and categories are
// matched by ID, never by position.
//
// The result is ordered so it can be applied strictly to from: new categories
// and renames first, then item additions, field changes and removals, and
// category removals last once no item references them.
func Diff(from, to *State) ChangeSet {
	a, b := from.Clone(), to.Clone()
	var changes ChangeSet

	for _, id := range b.CategoryIDs() {
		if _, ok := a.Categories[id]; !ok {
			changes = append(changes, CategoryAdded{Category: b.Categories[id]})
		}
	}
	for _, id := range b.CategoryIDs() {
		old, ok := a.Categories[id]
		if !ok {
			continue
		}
		if next := b.Categories[id]; old.Name != next.Name {
			changes = append(changes, CategoryRenamed{CategoryID: id, OldName: old.Name, NewName: next.Name})
		}
		if next := b.Categories[id]; old.SortOrder != next.SortOrder {
			changes = append(changes, CategoryReordered{CategoryID: id, OldSortOrder: old.SortOrder, NewSortOrder: next.SortOrder})
		}
	}

	for _, id := range b.ItemIDs() {
		if _, ok := a.Items[id]; !ok {
			changes = append(changes, ItemAdded{Item: b.Items[id]})
		}
	}
	for _, id := range b.ItemIDs() {
		old, ok := a.Items[id]
		if !ok {
			continue
		}
		changes = append(changes, DiffItem(old, b.Items[id])...)
	}
	for _, id := range a.ItemIDs() {
		if _, ok := b.Items[id]; !ok {
			changes = append(changes, ItemRemoved{ItemID: id})
		}
	}

	for _, id := range a.CategoryIDs() {
		if _, ok := b.Categories[id]; !ok {
			changes = append(changes, CategoryRemoved{CategoryID: id})
		}
	}
	return changes
}

// DiffItem returns the field changes between two versions of the same item.
func DiffItem(old, next Item) ChangeSet {
	var changes ChangeSet
	for _, f := range itemFields {
		ov, nv := old.Get(f), next.Get(f)
		if !ov.Equal(nv) {
			changes = append(changes, ItemFieldChanged{ItemID: old.ID, Field: f, Old: ov, New: nv})
		}
	}
	return changes
}
