package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a structured snapshot of a resource: null, bool, number, string,
// list of values or mapping of string to value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

func Null() Value            { return Value{} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value  { return Value{kind: KindString, s: s} }

// List copies vs into a list value.
func List(vs ...Value) Value {
	return Value{kind: KindList, list: append([]Value{}, vs...)}
}

// Map copies m into a mapping value.
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

// Ptr returns a pointer to v, handy for optional before/after states.
func (v Value) Ptr() *Value { return &v }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return append([]Value{}, v.list...), true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	cp := make(map[string]Value, len(v.m))
	for k, e := range v.m {
		cp[k] = e
	}
	return cp, true
}

// Get returns the member stored under key when v is a mapping.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	e, ok := v.m[key]
	return e, ok
}

// Equal reports structural equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

// validate rejects numbers and strings that have no canonical encoding.
func (v Value) validate(path string) error {
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return fmt.Errorf("%s: non-finite number", path)
		}
	case KindString:
		if !utf8.ValidString(v.s) {
			return fmt.Errorf("%s: invalid UTF-8", path)
		}
	case KindList:
		for i, e := range v.list {
			if err := e.validate(fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case KindMap:
		for k, e := range v.m {
			if !utf8.ValidString(k) {
				return fmt.Errorf("%s: key %q is not valid UTF-8", path, k)
			}
			if err := e.validate(path + "." + k); err != nil {
				return err
			}
		}
	}
	return nil
}

// FromAny converts a decoded JSON document (or plain Go scalars, slices and
// string-keyed maps) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Value:
		if t == nil {
			return Null(), nil
		}
		return *t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return fromNumberLiteral(t.String())
	case float64:
		return checkedNumber(t)
	case float32:
		return checkedNumber(float64(t))
	case int:
		return exactInt(int64(t))
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return exactInt(t)
	case uint:
		if uint64(t) > maxExactInt {
			return Value{}, fmt.Errorf("integer %d exceeds ±2^53", t)
		}
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		if uint64(t) > maxExactInt {
			return Value{}, fmt.Errorf("integer %d exceeds ±2^53", t)
		}
		return Number(float64(t)), nil
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = v
		}
		return Value{kind: KindList, list: out}, nil
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = v
		}
		return Value{kind: KindMap, m: out}, nil
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := FromAny(rv.Index(i).Interface())
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = v
		}
		return Value{kind: KindList, list: out}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		out := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			v, err := FromAny(iter.Value().Interface())
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", iter.Key().String(), err)
			}
			out[iter.Key().String()] = v
		}
		return Value{kind: KindMap, m: out}, nil
	}
	return Value{}, fmt.Errorf("unsupported type %T", x)
}

// fromNumberLiteral parses a JSON number. Integer literals must fit the
// exact float64 range so the stored value matches the caller's digits.
func fromNumberLiteral(lit string) (Value, error) {
	if !strings.ContainsAny(lit, ".eE") {
		i, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("integer %s exceeds ±2^53", lit)
		}
		return exactInt(i)
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return Value{}, fmt.Errorf("number %q: %w", lit, err)
	}
	return checkedNumber(f)
}

func exactInt(i int64) (Value, error) {
	if i > maxExactInt || i < -maxExactInt {
		return Value{}, fmt.Errorf("integer %d exceeds ±2^53", i)
	}
	return Number(float64(i)), nil
}

func checkedNumber(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("non-finite number")
	}
	return Number(f), nil
}

// MarshalJSON emits the canonical encoding.
func (v Value) MarshalJSON() ([]byte, error) {
	if err := v.validate("$"); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.Bytes(), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
