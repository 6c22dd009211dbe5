package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a JSON-RPC request id: a string, an integer, or null. Null is
// reserved for responses whose originating id could not be recovered (e.g. a
// frame that failed to parse).
//
// The raw JSON encoding is kept so that a response echoes the request id
// exactly, including its type: the string "1" and the number 1 are distinct
// ids and never correlate with each other.
type ID struct {
	raw json.RawMessage // nil means null
}

// StringID builds a string-typed id.
func StringID(s string) *ID {
	raw, _ := json.Marshal(s)
	return &ID{raw: raw}
}

// IntID builds an integer-typed id.
func IntID(n int64) *ID {
	return &ID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// NullID builds the null id.
func NullID() *ID {
	return &ID{}
}

// IsNull reports whether the id is the null id.
func (id *ID) IsNull() bool {
	return id == nil || id.raw == nil
}

// Key returns the canonical wire form of the id, suitable as a map key for
// request correlation. Ids of different JSON types never collide because the
// string form keeps its quotes.
func (id *ID) Key() string {
	if id.IsNull() {
		return "null"
	}
	return string(id.raw)
}

func (id *ID) String() string { return id.Key() }

// Equal reports id equality by variant and value.
func (id *ID) Equal(other *ID) bool {
	if id.IsNull() || other.IsNull() {
		return id.IsNull() && other.IsNull()
	}
	return bytes.Equal(id.raw, other.raw)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.raw == nil {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty id")
	}
	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return fmt.Errorf("invalid id %q", data)
		}
		id.raw = nil
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
	default:
		// Must be an integer. Fractional and exponent forms are rejected so
		// that the echoed id round-trips byte-identically.
		if _, err := strconv.ParseInt(string(data), 10, 64); err != nil {
			return fmt.Errorf("invalid id %q: must be string, integer, or null", data)
		}
	}
	id.raw = append(json.RawMessage(nil), data...)
	return nil
}
