package menu

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedChange = errors.New("malformed change")
	ErrUnknownItem     = errors.New("unknown item")
	ErrUnknownCategory = errors.New("unknown category")
	ErrDuplicate       = errors.New("duplicate id")
	ErrStale           = errors.New("stale change")
)

// Kind identifies a change variant.
type Kind string

const (
	KindItemAdded         Kind = "item_added"
	KindItemRemoved       Kind = "item_removed"
	KindItemFieldChanged  Kind = "item_field_changed"
	KindCategoryAdded     Kind = "category_added"
	KindCategoryRemoved   Kind = "category_removed"
	KindCategoryRenamed   Kind = "category_renamed"
	KindCategoryReordered Kind = "category_reordered"
)

// Kinds returns every change kind.
func Kinds() []Kind {
	return []Kind{
		KindItemAdded,
		KindItemRemoved,
		KindItemFieldChanged,
		KindCategoryAdded,
		KindCategoryRemoved,
		KindCategoryRenamed,
		KindCategoryReordered,
	}
}

// Valid reports whether k is a known change kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Change is one entry of a structural diff. The set of implementations is closed.
type Change interface {
	Kind() Kind
	// Target is the ID of the item or category the change touches.
	Target() string
	isChange()
}

type ItemAdded struct {
	Item Item
}

type ItemRemoved struct {
	ItemID string
}

type ItemFieldChanged struct {
	ItemID string
	Field  Field
	Old    Value
	New    Value
}

type CategoryAdded struct {
	Category Category
}

type CategoryRemoved struct {
	CategoryID string
}

type CategoryRenamed struct {
	CategoryID string
	OldName    string
	NewName    string
}

type CategoryReordered struct {
	CategoryID   string
	OldSortOrder int
	NewSortOrder int
}

func (ItemAdded) Kind() Kind         { return KindItemAdded }
func (ItemRemoved) Kind() Kind       { return KindItemRemoved }
func (ItemFieldChanged) Kind() Kind  { return KindItemFieldChanged }
func (CategoryAdded) Kind() Kind     { return KindCategoryAdded }
func (CategoryRemoved) Kind() Kind   { return KindCategoryRemoved }
func (CategoryRenamed) Kind() Kind   { return KindCategoryRenamed }
func (CategoryReordered) Kind() Kind { return KindCategoryReordered }

func (c ItemAdded) Target() string         { return c.Item.ID }
func (c ItemRemoved) Target() string       { return c.ItemID }
func (c ItemFieldChanged) Target() string  { return c.ItemID }
func (c CategoryAdded) Target() string     { return c.Category.ID }
func (c CategoryRemoved) Target() string   { return c.CategoryID }
func (c CategoryRenamed) Target() string   { return c.CategoryID }
func (c CategoryReordered) Target() string { return c.CategoryID }

func (ItemAdded) isChange()         {}
func (ItemRemoved) isChange()       {}
func (ItemFieldChanged) isChange()  {}
func (CategoryAdded) isChange()     {}
func (CategoryRemoved) isChange()   {}
func (CategoryRenamed) isChange()   {}
func (CategoryReordered) isChange() {}

// FieldOf returns the field an item field change targets, or "" for other variants.
func FieldOf(c Change) Field {
	if fc, ok := c.(ItemFieldChanged); ok {
		return fc.Field
	}
	return ""
}

// Describe renders a change for operators and logs.
func Describe(c Change) string {
	switch v := c.(type) {
	case ItemAdded:
		return fmt.Sprintf("item %s (%s) added", v.Item.ID, v.Item.Name)
	case ItemRemoved:
		return fmt.Sprintf("item %s removed", v.ItemID)
	case ItemFieldChanged:
		return fmt.Sprintf("%s of item %s: %s -> %s", v.Field, v.ItemID, v.Old.String(), v.New.String())
	case CategoryAdded:
		return fmt.Sprintf("category %s (%s) added", v.Category.ID, v.Category.Name)
	case CategoryRemoved:
		return fmt.Sprintf("category %s removed", v.CategoryID)
	case CategoryRenamed:
		return fmt.Sprintf("category %s renamed %q -> %q", v.CategoryID, v.OldName, v.NewName)
	case CategoryReordered:
		return fmt.Sprintf("category %s moved %d -> %d", v.CategoryID, v.OldSortOrder, v.NewSortOrder)
	}
	return "unknown change"
}

// ChangeSet is an ordered list of changes. It is the typed form of a version's changes_data.
type ChangeSet []Change

// envelope is the stored JSON shape of one change.
type envelope struct {
	Kind       Kind            `json:"kind"`
	Item       *Item           `json:"item,omitempty"`
	Category   *Category       `json:"category,omitempty"`
	ItemID     string          `json:"item_id,omitempty"`
	CategoryID string          `json:"category_id,omitempty"`
	Field      Field           `json:"field,omitempty"`
	Old        json.RawMessage `json:"old_value,omitempty"`
	New        json.RawMessage `json:"new_value,omitempty"`
	OldName    string          `json:"old_name,omitempty"`
	NewName    string          `json:"new_name,omitempty"`
	OldOrder   *int            `json:"old_sort_order,omitempty"`
	NewOrder   *int            `json:"new_sort_order,omitempty"`
}

func encodeChange(c Change) (envelope, error) {
	env := envelope{Kind: c.Kind()}
	switch v := c.(type) {
	case ItemAdded:
		item := v.Item
		env.Item = &item
	case ItemRemoved:
		env.ItemID = v.ItemID
	case ItemFieldChanged:
		env.ItemID = v.ItemID
		env.Field = v.Field
		oldRaw, err := v.Old.MarshalJSON()
		if err != nil {
			return env, err
		}
		newRaw, err := v.New.MarshalJSON()
		if err != nil {
			return env, err
		}
		env.Old, env.New = oldRaw, newRaw
	case CategoryAdded:
		cat := v.Category
		env.Category = &cat
	case CategoryRemoved:
		env.CategoryID = v.CategoryID
	case CategoryRenamed:
		env.CategoryID = v.CategoryID
		env.OldName = v.OldName
		env.NewName = v.NewName
	case CategoryReordered:
		oldOrder, newOrder := v.OldSortOrder, v.NewSortOrder
		env.CategoryID = v.CategoryID
		env.OldOrder, env.NewOrder = &oldOrder, &newOrder
	default:
		return env, fmt.Errorf("%w: %T", ErrMalformedChange, c)
	}
	return env, nil
}

func decodeChange(env envelope) (Change, error) {
	switch env.Kind {
	case KindItemAdded:
		if env.Item == nil || env.Item.ID == "" {
			return nil, fmt.Errorf("%w: item_added without item", ErrMalformedChange)
		}
		return ItemAdded{Item: *env.Item}, nil
	case KindItemRemoved:
		if env.ItemID == "" {
			return nil, fmt.Errorf("%w: item_removed without item_id", ErrMalformedChange)
		}
		return ItemRemoved{ItemID: env.ItemID}, nil
	case KindItemFieldChanged:
		if env.ItemID == "" {
			return nil, fmt.Errorf("%w: item_field_changed without item_id", ErrMalformedChange)
		}
		newVal, err := ParseValue(env.Field, env.New)
		if err != nil {
			return nil, err
		}
		oldVal := Value{kind: env.Field.kind()}
		if len(env.Old) > 0 {
			if oldVal, err = ParseValue(env.Field, env.Old); err != nil {
				return nil, err
			}
		}
		return ItemFieldChanged{ItemID: env.ItemID, Field: env.Field, Old: oldVal, New: newVal}, nil
	case KindCategoryAdded:
		if env.Category == nil || env.Category.ID == "" {
			return nil, fmt.Errorf("%w: category_added without category", ErrMalformedChange)
		}
		return CategoryAdded{Category: *env.Category}, nil
	case KindCategoryRemoved:
		if env.CategoryID == "" {
			return nil, fmt.Errorf("%w: category_removed without category_id", ErrMalformedChange)
		}
		return CategoryRemoved{CategoryID: env.CategoryID}, nil
	case KindCategoryRenamed:
		if env.CategoryID == "" {
			return nil, fmt.Errorf("%w: category_renamed without category_id", ErrMalformedChange)
		}
		return CategoryRenamed{CategoryID: env.CategoryID, OldName: env.OldName, NewName: env.NewName}, nil
	case KindCategoryReordered:
		if env.CategoryID == "" || env.NewOrder == nil {
			return nil, fmt.Errorf("%w: category_reordered without category_id or new_sort_order", ErrMalformedChange)
		}
		c := CategoryReordered{CategoryID: env.CategoryID, NewSortOrder: *env.NewOrder}
		if env.OldOrder != nil {
			c.OldSortOrder = *env.OldOrder
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedChange, env.Kind)
}

// MarshalJSON encodes the set as an array of kind-tagged objects.
func (cs ChangeSet) MarshalJSON() ([]byte, error) {
	envs := make([]envelope, 0, len(cs))
	for _, c := range cs {
		env, err := encodeChange(c)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return json.Marshal(envs)
}

// UnmarshalJSON decodes an array of kind-tagged objects, rejecting unknown kinds.
func (cs *ChangeSet) UnmarshalJSON(data []byte) error {
	var envs []envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}
	out := make(ChangeSet, 0, len(envs))
	for i, env := range envs {
		c, err := decodeChange(env)
		if err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
		out = append(out, c)
	}
	*cs = out
	return nil
}

// MarshalChange encodes a single change in the same tagged shape.
func MarshalChange(c Change) ([]byte, error) {
	env, err := encodeChange(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalChange decodes a single tagged change.
func UnmarshalChange(data []byte) (Change, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}
	return decodeChange(env)
}
