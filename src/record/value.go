// Package record models rows retrieved from data sources as a typed value
// tree, and implements the category filter and redaction logic applied to
// access results before they are persisted or surfaced.
package record

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

// Kind discriminates the variants of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindTime
	KindArray
	KindObject
)

// Value is a tagged variant holding one scalar, array, or object.  The zero
// Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	bs   []byte
	t    time.Time
	arr  []Value
	obj  Object
}

// Object is the map form of a row or nested document.
type Object map[string]Value

// Row is an alias for Object at the top level of a collection result.
type Row = Object

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps an int64.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a float64.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes wraps a byte slice.
func Bytes(bs []byte) Value { return Value{kind: KindBytes, bs: bs} }

// Time wraps a time.Time.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }

// Array wraps a slice of Values.
func Array(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }

// FromObject wraps an Object.
func FromObject(o Object) Value { return Value{kind: KindObject, obj: o} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsContainer reports whether v is an array or object.
func (v Value) IsContainer() bool { return v.kind == KindArray || v.kind == KindObject }

// BoolValue returns the bool variant (false otherwise).
func (v Value) BoolValue() bool { return v.b }

// IntValue returns the int variant (0 otherwise).
func (v Value) IntValue() int64 { return v.i }

// FloatValue returns the float variant (0 otherwise).
func (v Value) FloatValue() float64 { return v.f }

// StringValue returns the string variant ("" otherwise).
func (v Value) StringValue() string { return v.s }

// TimeValue returns the time variant.
func (v Value) TimeValue() time.Time { return v.t }

// ArrayValue returns the array variant (nil otherwise).
func (v Value) ArrayValue() []Value { return v.arr }

// ObjectValue returns the object variant (nil otherwise).
func (v Value) ObjectValue() Object { return v.obj }

// FromAny converts an untyped value (as produced by JSON decoding or SQL
// scans) into a Value.
func FromAny(x interface{}) Value {
	switch x := x.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case int:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case float32:
		return Float(float64(x))
	case float64:
		return Float(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i)
		}
		f, _ := x.Float64()
		return Float(f)
	case string:
		return String(x)
	case []byte:
		return Bytes(x)
	case time.Time:
		return Time(x)
	case []interface{}:
		arr := make([]Value, 0, len(x))
		for _, e := range x {
			arr = append(arr, FromAny(e))
		}
		return Array(arr...)
	case map[string]interface{}:
		obj := make(Object, len(x))
		for k, e := range x {
			obj[k] = FromAny(e)
		}
		return FromObject(obj)
	case Value:
		return x
	case Object:
		return FromObject(x)
	}
	// Last resort: render through JSON.
	data, err := json.Marshal(x)
	if err != nil {
		return String("")
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return String(string(data))
	}
	return FromAny(out)
}

// ToAny converts v back to an untyped representation suitable for JSON
// encoding.
func (v Value) ToAny() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.bs
	case KindTime:
		return v.t.UTC().Format(time.RFC3339Nano)
	case KindArray:
		out := make([]interface{}, 0, len(v.arr))
		for _, e := range v.arr {
			out = append(out, e.ToAny())
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.ToAny()
		}
		return out
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(v.ToAny())
	return data, errors.EnsureStack(err)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var x interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&x); err != nil {
		return errors.EnsureStack(err)
	}
	*v = FromAny(x)
	return nil
}

// Select returns every leaf value found at path, descending through arrays at
// each level.  Used to collect upstream field values as query parameters.
func (v Value) Select(path []string) []Value {
	if len(path) == 0 {
		if v.kind == KindArray {
			var out []Value
			for _, e := range v.arr {
				out = append(out, e.Select(nil)...)
			}
			return out
		}
		if v.IsNull() {
			return nil
		}
		return []Value{v}
	}
	switch v.kind {
	case KindObject:
		child, ok := v.obj[path[0]]
		if !ok {
			return nil
		}
		return child.Select(path[1:])
	case KindArray:
		var out []Value
		for _, e := range v.arr {
			out = append(out, e.Select(path)...)
		}
		return out
	}
	return nil
}

// Equal reports deep equality of two values.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindInt:
		return v.i == other.i
	case KindFloat:
		return v.f == other.f
	case KindString:
		return v.s == other.s
	case KindBytes:
		return string(v.bs) == string(other.bs)
	case KindTime:
		return v.t.Equal(other.t)
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(other.obj) {
			return false
		}
		for k, e := range v.obj {
			o, ok := other.obj[k]
			if !ok || !e.Equal(o) {
				return false
			}
		}
		return true
	}
	return false
}

// SortedKeys returns the object's keys in sorted order (nil for non-objects).
func (v Value) SortedKeys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
