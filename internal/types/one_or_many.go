package types

import (
	"bytes"
	"encoding/json"
)

// OneOrMany decodes either a single JSON value or an array of them, so a request
// can name one location or a batch with the same field.
type OneOrMany[T any] []T

// UnmarshalJSON implements the json.Unmarshaler interface.
func (o *OneOrMany[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = nil
		return nil
	}
	if data[0] == '[' {
		var many []T
		if err := json.Unmarshal(data, &many); err != nil {
			return err
		}
		*o = many
		return nil
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*o = OneOrMany[T]{one}
	return nil
}
