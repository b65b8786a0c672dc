// Package metadata holds the typed metadata attached to vectors, the filter
// language evaluated against it and the secondary index that resolves filters
// to sets of arena slots.
package metadata

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/sanonone/genovec/pkg/core/types"
)

// Kind is the type tag of a Value.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Value is a metadata scalar: a string, a float64 number or a bool.
// The zero Value is invalid.
type Value struct {
	kind Kind
	s    string
	n    float64
	b    bool
}

func String(s string) Value  { return Value{kind: KindString, s: s} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }

func (v Value) Kind() Kind     { return v.kind }
func (v Value) Valid() bool    { return v.kind >= KindString && v.kind <= KindBool }
func (v Value) Str() string    { return v.s }
func (v Value) Num() float64   { return v.n }
func (v Value) Truth() bool    { return v.b }
func (v Value) IsNumber() bool { return v.kind == KindNumber }

// FromAny converts a Go scalar into a Value. Integers and floats of every width
// become numbers; NaN and infinities are rejected.
func FromAny(x any) (Value, error) {
	var f float64
	switch t := x.(type) {
	case Value:
		if !t.Valid() {
			return Value{}, fmt.Errorf("invalid metadata value")
		}
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int8:
		f = float64(t)
	case int16:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint8:
		f = float64(t)
	case uint16:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		f = parsed
	default:
		return Value{}, fmt.Errorf("unsupported metadata type %T", x)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("metadata number must be finite, got %v", f)
	}
	return Number(f), nil
}

// Any returns the value as a plain Go scalar.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return v.n
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindNumber:
		return v.n == o.n
	case KindBool:
		return v.b == o.b
	}
	return false
}

// Compare orders two values of the same kind. Numbers compare numerically and
// strings lexicographically; ok is false for bools and for mixed kinds.
func (v Value) Compare(o Value) (c int, ok bool) {
	if v.kind != o.kind {
		return 0, false
	}
	switch v.kind {
	case KindNumber:
		switch {
		case v.n < o.n:
			return -1, true
		case v.n > o.n:
			return 1, true
		}
		return 0, true
	case KindString:
		switch {
		case v.s < o.s:
			return -1, true
		case v.s > o.s:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.s)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	}
	return "<invalid>"
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("marshal invalid metadata value")
	}
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Metadata maps keys to typed scalars.
type Metadata map[string]Value

// FromMap validates and converts untyped metadata. Empty keys and non-scalar
// values are rejected with a ValidationError.
func FromMap(raw map[string]any) (Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	md := make(Metadata, len(raw))
	for k, x := range raw {
		if k == "" {
			return nil, types.NewValidationError("metadata", types.ErrInvalidMetadata, "empty key")
		}
		v, err := FromAny(x)
		if err != nil {
			return nil, types.NewValidationError("metadata", types.ErrInvalidMetadata, "key %q: %v", k, err)
		}
		md[k] = v
	}
	return md, nil
}

// Validate checks every key and value.
func (m Metadata) Validate() error {
	for k, v := range m {
		if k == "" {
			return types.NewValidationError("metadata", types.ErrInvalidMetadata, "empty key")
		}
		if !v.Valid() {
			return types.NewValidationError("metadata", types.ErrInvalidMetadata, "key %q has no value", k)
		}
		if v.kind == KindNumber && (math.IsNaN(v.n) || math.IsInf(v.n, 0)) {
			return types.NewValidationError("metadata", types.ErrInvalidMetadata, "key %q is not finite", k)
		}
	}
	return nil
}

// ToMap returns the metadata as plain Go values.
func (m Metadata) ToMap() map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Any()
	}
	return out
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
