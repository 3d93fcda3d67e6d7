package menu

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Field names an item attribute that a change can target.
type Field string

const (
	FieldName         Field = "name"
	FieldDescription  Field = "description"
	FieldPrice        Field = "price"
	FieldAvailability Field = "availability"
	FieldCategory     Field = "category"
	FieldSortOrder    Field = "sort_order"
)

// itemFields is the canonical field order used by Diff.
var itemFields = []Field{
	FieldName,
	FieldDescription,
	FieldPrice,
	FieldAvailability,
	FieldCategory,
	FieldSortOrder,
}

// PriceScale is the number of decimal places a price may carry. Branch menus
// store prices at this scale.
const PriceScale = 2

// CheckPrice rejects a price the branch tables would round
func CheckPrice(d decimal.Decimal) error {
	if !d.Equal(d.Round(PriceScale)) {
		return fmt.Errorf("%w: price %s has more than %d decimal places", ErrMalformedChange, d.String(), PriceScale)
	}
	return nil
}

// CheckPrices runs CheckPrice over every price a change set introduces
func CheckPrices(changes ChangeSet) error {
	for _, c := range changes {
		switch v := c.(type) {
		case ItemAdded:
			if err := CheckPrice(v.Item.Price); err != nil {
				return fmt.Errorf("item %s: %w", v.Item.ID, err)
			}
		case ItemFieldChanged:
			if v.Field == FieldPrice {
				if err := CheckPrice(v.New.AsPrice()); err != nil {
					return fmt.Errorf("item %s: %w", v.ItemID, err)
				}
			}
		}
	}
	return nil
}

// Fields returns every known item field in canonical order.
func Fields() []Field {
	out := make([]Field, len(itemFields))
	copy(out, itemFields)
	return out
}

// Valid reports whether f is a known item field.
func (f Field) Valid() bool {
	return f.kind() != kindInvalid
}

type valueKind int

const (
	kindInvalid valueKind = iota
	kindText
	kindPrice
	kindFlag
	kindNumber
)

func (f Field) kind() valueKind {
	switch f {
	case FieldName, FieldDescription, FieldCategory:
		return kindText
	case FieldPrice:
		return kindPrice
	case FieldAvailability:
		return kindFlag
	case FieldSortOrder:
		return kindNumber
	}
	return kindInvalid
}

// Value is the typed value of a single item field.
type Value struct {
	kind  valueKind
	text  string
	price decimal.Decimal
	flag  bool
	num   int
}

func Text(s string) Value                { return Value{kind: kindText, text: s} }
func Price(d decimal.Decimal) Value      { return Value{kind: kindPrice, price: d} }
func Flag(b bool) Value                  { return Value{kind: kindFlag, flag: b} }
func Number(n int) Value                 { return Value{kind: kindNumber, num: n} }
func (v Value) IsZero() bool             { return v.kind == kindInvalid }
func (v Value) AsText() string           { return v.text }
func (v Value) AsPrice() decimal.Decimal { return v.price }
func (v Value) AsFlag() bool             { return v.flag }
func (v Value) AsNumber() int            { return v.num }

// Equal compares two values of the same kind. Prices compare numerically.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case kindText:
		return v.text == o.text
	case kindPrice:
		return v.price.Equal(o.price)
	case kindFlag:
		return v.flag == o.flag
	case kindNumber:
		return v.num == o.num
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case kindText:
		return v.text
	case kindPrice:
		return v.price.String()
	case kindFlag:
		return strconv.FormatBool(v.flag)
	case kindNumber:
		return strconv.Itoa(v.num)
	}
	return ""
}

// MarshalJSON writes the bare value; the owning change carries the field that
// tells a reader how to decode it.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindText:
		return json.Marshal(v.text)
	case kindPrice:
		return json.Marshal(v.price)
	case kindFlag:
		return json.Marshal(v.flag)
	case kindNumber:
		return json.Marshal(v.num)
	}
	return []byte("null"), nil
}

// ParseValue decodes a JSON value for the given field.
func ParseValue(f Field, raw json.RawMessage) (Value, error) {
	switch f.kind() {
	case kindText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("%w: %s expects a string: %v", ErrMalformedChange, f, err)
		}
		return Text(s), nil
	case kindPrice:
		var d decimal.Decimal
		if err := json.Unmarshal(raw, &d); err != nil {
			return Value{}, fmt.Errorf("%w: %s expects a decimal: %v", ErrMalformedChange, f, err)
		}
		return Price(d), nil
	case kindFlag:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, fmt.Errorf("%w: %s expects a boolean: %v", ErrMalformedChange, f, err)
		}
		return Flag(b), nil
	case kindNumber:
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return Value{}, fmt.Errorf("%w: %s expects an integer: %v", ErrMalformedChange, f, err)
		}
		return Number(n), nil
	}
	return Value{}, fmt.Errorf("%w: unknown field %q", ErrMalformedChange, f)
}

// Get returns the value of field f.
func (it Item) Get(f Field) Value {
	switch f {
	case FieldName:
		return Text(it.Name)
	case FieldDescription:
		return Text(it.Description)
	case FieldPrice:
		return Price(it.Price)
	case FieldAvailability:
		return Flag(it.Available)
	case FieldCategory:
		return Text(it.CategoryID)
	case FieldSortOrder:
		return Number(it.SortOrder)
	}
	return Value{}
}

// Set assigns v to field f. The value kind must match the field.
func (it *Item) Set(f Field, v Value) error {
	if f.kind() == kindInvalid {
		return fmt.Errorf("%w: unknown field %q", ErrMalformedChange, f)
	}
	if v.kind != f.kind() {
		return fmt.Errorf("%w: value %q does not fit field %s", ErrMalformedChange, v.String(), f)
	}
	switch f {
	case FieldName:
		it.Name = v.text
	case FieldDescription:
		it.Description = v.text
	case FieldPrice:
		it.Price = v.price
	case FieldAvailability:
		it.Available = v.flag
	case FieldCategory:
		it.CategoryID = v.text
	case FieldSortOrder:
		it.SortOrder = v.num
	}
	return nil
}
