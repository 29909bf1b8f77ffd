package types

import (
	"encoding/json"
	"errors"
)

// ErrNoValue is returned when decoding a Value that carries nothing.
var ErrNoValue = errors.New("no value")

// Value is the payload of a state update or state fetch for a single field.
//
//	{"present": false}               field holds no value
//	{"present": true, "value": null} field holds null
type Value struct {
	Present bool            `json:"present"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// ValueOf encodes v, mapping absent values to Present=false.
func ValueOf(v any) (Value, error) {
	if a, ok := v.(Absenter); ok && a.IsAbsent() {
		return Value{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, err
	}
	return Value{Present: true, Value: raw}, nil
}

// Raw returns the JSON to store for this value. Absent values become the
// undefined marker so Option fields decode back to None.
func (v Value) Raw() json.RawMessage {
	if !v.Present {
		return append(json.RawMessage(nil), undefinedJSON...)
	}
	if len(v.Value) == 0 {
		return json.RawMessage("null")
	}
	return v.Value
}

// Decode unmarshals the carried value into dst.
func (v Value) Decode(dst any) error {
	if !v.Present {
		return ErrNoValue
	}
	return json.Unmarshal(v.Raw(), dst)
}
