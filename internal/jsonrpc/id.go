package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a JSON-RPC id. It holds either an int64 or a string; the zero value
// means "absent".
type ID struct {
	value any
}

// IntID returns a numeric id.
func IntID(n int64) ID {
	return ID{value: n}
}

// StringID returns a string id.
func StringID(s string) ID {
	return ID{value: s}
}

// IsZero reports whether the id is absent.
func (id ID) IsZero() bool {
	return id.value == nil
}

// Value returns the underlying int64 or string.
func (id ID) Value() any {
	return id.value
}

// Key returns the canonical map key for the id. Numeric and string ids that
// print the same share a key, so a server echoing 7 as "7" still correlates.
func (id ID) Key() string {
	switch v := id.value.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return id.Key()
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}

	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("JSON-RPC id: %w", err)
		}
		id.value = str
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		n, err := num.Int64()
		if err != nil {
			return fmt.Errorf("JSON-RPC id must be an integer, got %s", num)
		}
		id.value = n
		return nil
	}

	return fmt.Errorf("JSON-RPC id must be a string or number, got: %s", string(data))
}
