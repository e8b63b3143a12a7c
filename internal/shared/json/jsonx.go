// Package jsonx routes persistence and transport encoding through one JSON
// implementation.
package jsonx

import "github.com/goccy/go-json"

var (
	Marshal       = json.Marshal
	MarshalIndent = json.MarshalIndent
	Unmarshal     = json.Unmarshal
	NewDecoder    = json.NewDecoder
	NewEncoder    = json.NewEncoder
	Valid         = json.Valid
)

type Number = json.Number

// MarshalOrNull encodes v, mapping nil to a JSON null so nullable columns
// always receive valid JSON.
func MarshalOrNull(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// UnmarshalIfPresent decodes data into v unless it is empty or null.
func UnmarshalIfPresent(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}
