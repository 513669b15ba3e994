package eventsvc

import (
	"bytes"
	"encoding/json"
)

// Field is a patch value with three states: absent, explicit null, or a
// value. The zero Field is absent, so omitted JSON keys stay absent.
type Field[T any] struct {
	present bool
	null    bool
	value   T
}

func Set[T any](v T) Field[T] { return Field[T]{present: true, value: v} }
func Null[T any]() Field[T]   { return Field[T]{present: true, null: true} }

func (f Field[T]) Present() bool { return f.present }
func (f Field[T]) IsNull() bool  { return f.present && f.null }

// Get returns the value and whether one was supplied. Null yields the zero
// value and false.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.present && !f.null
}

func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.present = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		f.null = true
		var zero T
		f.value = zero
		return nil
	}
	f.null = false
	return json.Unmarshal(data, &f.value)
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.present || f.null {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}
