package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the value types allowed in a bag.
// Only Null, String, Int, Bool, List and Bag implement it.
type Value interface {
	wireValue()
}

// Null represents a JSON null.
type Null struct{}

func (Null) wireValue() {}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String is a string value.
type String string

func (String) wireValue() {}

// Int is an integer value. Always int64, never float.
type Int int64

func (Int) wireValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) wireValue() {}

// List is an ordered list of values.
type List []Value

func (List) wireValue() {}

// Strings builds a List of String values.
func Strings(vals ...string) List {
	l := make(List, len(vals))
	for i, v := range vals {
		l[i] = String(v)
	}
	return l
}

// typeName returns the declared type name used in mismatch errors.
func typeName(v Value) string {
	switch v.(type) {
	case Null:
		return "null"
	case String:
		return "string"
	case Int:
		return "int"
	case Bool:
		return "bool"
	case List:
		return "list"
	case Bag:
		return "bag"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's sort.Strings uses UTF-8 byte order, which differs outside the BMP.
func (b Bag) SortedKeys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// MarshalJSON writes the bag with sorted keys.
// This is NOT canonical marshaling; use MarshalCanonical for digests.
func (b Bag) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range b.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalValue(b[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler. Floats are rejected.
func (b *Bag) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalValue(data)
	if err != nil {
		return err
	}
	switch val := v.(type) {
	case Bag:
		*b = val
	case Null:
		*b = nil
	default:
		return fmt.Errorf("bag: expected object, got %s", typeName(v))
	}
	return nil
}

// MarshalJSON implements json.Marshaler for List.
func (l List) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		elemBytes, err := MarshalValue(elem)
		if err != nil {
			return nil, fmt.Errorf("list[%d]: %w", i, err)
		}
		buf.Write(elemBytes)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler for List.
func (l *List) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalValue(data)
	if err != nil {
		return err
	}
	val, ok := v.(List)
	if !ok {
		return fmt.Errorf("list: expected array, got %s", typeName(v))
	}
	*l = val
	return nil
}

// MarshalValue marshals a Value to JSON bytes.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case Null, nil:
		return []byte("null"), nil
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Bool:
		return json.Marshal(bool(val))
	case List:
		return val.MarshalJSON()
	case Bag:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown wire value type: %T", v)
	}
}

// UnmarshalValue decodes JSON into a Value.
// Numbers must be integers; null becomes Null.
func UnmarshalValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromAny(raw)
}

// FromAny converts a decoded Go value (as produced by encoding/json with
// UseNumber, or built by hand) into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are not allowed: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case float32, float64:
		return nil, fmt.Errorf("floats are not allowed: %v", val)
	case []string:
		return Strings(val...), nil
	case []any:
		l := make(List, len(val))
		for i, elem := range val {
			w, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			l[i] = w
		}
		return l, nil
	case map[string]any:
		b := make(Bag, len(val))
		for k, elem := range val {
			w, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			b[k] = w
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
