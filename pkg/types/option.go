package types

import (
	"bytes"
	"encoding/json"
)

// UndefinedKey is the marker object key used when an absent Option is
// written as JSON: {"$$undefined": true}.
const UndefinedKey = "$$undefined"

var undefinedJSON = []byte(`{"` + UndefinedKey + `":true}`)

// Absenter is implemented by values that can hold "no value", which is
// distinct from a present null.
type Absenter interface {
	IsAbsent() bool
}

// Option holds a value of T or nothing at all. The zero Option is absent.
type Option[T any] struct {
	value T
	ok    bool
}

func Some[T any](v T) Option[T] { return Option[T]{value: v, ok: true} }

func None[T any]() Option[T] { return Option[T]{} }

// Get returns the held value and whether one is present.
func (o Option[T]) Get() (T, bool) { return o.value, o.ok }

// OrElse returns the held value, or def when absent.
func (o Option[T]) OrElse(def T) T {
	if !o.ok {
		return def
	}
	return o.value
}

func (o Option[T]) IsAbsent() bool { return !o.ok }

func (o Option[T]) MarshalJSON() ([]byte, error) {
	if !o.ok {
		return undefinedJSON, nil
	}
	return json.Marshal(o.value)
}

func (o *Option[T]) UnmarshalJSON(b []byte) error {
	if IsUndefined(b) {
		*o = Option[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*o = Option[T]{value: v, ok: true}
	return nil
}

// IsUndefined reports whether raw is the absent-value marker object.
func IsUndefined(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' || !bytes.Contains(raw, []byte(UndefinedKey)) {
		return false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || len(m) != 1 {
		return false
	}
	v, ok := m[UndefinedKey]
	return ok && bytes.Equal(bytes.TrimSpace(v), []byte("true"))
}
