package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is a master menu version number in a request body. Responses render
// versions as strings, so clients may echo either form back.
type Version uint64

// UnmarshalJSON accepts 3 and "3".
func (v *Version) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("version %q is not a non-negative integer", s)
		}
		*v = Version(n)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("version must be a non-negative integer or a numeric string: %w", err)
	}
	*v = Version(n)
	return nil
}

// MarshalJSON renders the version as a string
func (v Version) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(v), 10))
}

// Ptr returns nil for a nil receiver and the plain number otherwise
func (v *Version) Ptr() *uint64 {
	if v == nil {
		return nil
	}
	n := uint64(*v)
	return &n
}
