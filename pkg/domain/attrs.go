package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Attrs is an optional flat object of primitive values (string, number, bool,
// null). A nil Attrs means "absent" and encodes as JSON null. Nested objects and
// arrays are rejected when decoding.
type Attrs map[string]any

// Validate checks that every value is a primitive.
func (a Attrs) Validate() error {
	for _, k := range a.Keys() {
		if !isPrimitive(a[k]) {
			return &ValidationError{Field: k, Message: fmt.Sprintf("value of %q must be a string, number, bool or null", k)}
		}
	}
	return nil
}

// Keys returns the keys in sorted order.
func (a Attrs) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the value under key when it is a string.
func (a Attrs) String(key string) (string, bool) {
	v, ok := a[key].(string)
	return v, ok
}

// Number returns the value under key as float64 when numeric.
func (a Attrs) Number(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Clone returns a shallow copy; primitives make it a full copy.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func (a *Attrs) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*a = nil
		return nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &ValidationError{Message: "structured value must be an object or null"}
	}
	raw := map[string]any{}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	out := Attrs(raw)
	if err := out.Validate(); err != nil {
		return err
	}
	*a = out
	return nil
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}
