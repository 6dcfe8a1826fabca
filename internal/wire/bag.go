package wire

import (
	"errors"
	"fmt"
)

// ErrTypeMismatch is returned when a bag key is read or written with an
// accessor of a different type than the one it was first written with.
var ErrTypeMismatch = errors.New("type mismatch")

// ErrMissingKey is returned by getters when the key is absent.
var ErrMissingKey = errors.New("missing key")

// Bag is a flat string-keyed map of typed values.
//
// The first write of a key declares its type. Later writes of another
// type and reads through the wrong accessor fail with ErrTypeMismatch.
type Bag map[string]Value

func (Bag) wireValue() {}

// Has reports whether key is present.
func (b Bag) Has(key string) bool {
	_, ok := b[key]
	return ok
}

func (b Bag) lookup(key, want string) (Value, error) {
	v, ok := b[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingKey, key)
	}
	if got := typeName(v); got != want {
		return nil, fmt.Errorf("%w: key %q is %s, read as %s", ErrTypeMismatch, key, got, want)
	}
	return v, nil
}

// String returns the string stored at key.
func (b Bag) String(key string) (string, error) {
	v, err := b.lookup(key, "string")
	if err != nil {
		return "", err
	}
	return string(v.(String)), nil
}

// Int returns the int stored at key.
func (b Bag) Int(key string) (int64, error) {
	v, err := b.lookup(key, "int")
	if err != nil {
		return 0, err
	}
	return int64(v.(Int)), nil
}

// Bool returns the bool stored at key.
func (b Bag) Bool(key string) (bool, error) {
	v, err := b.lookup(key, "bool")
	if err != nil {
		return false, err
	}
	return bool(v.(Bool)), nil
}

// Strings returns the list of strings stored at key.
// Every element must be a String.
func (b Bag) Strings(key string) ([]string, error) {
	v, err := b.lookup(key, "list")
	if err != nil {
		return nil, err
	}
	l := v.(List)
	out := make([]string, len(l))
	for i, elem := range l {
		s, ok := elem.(String)
		if !ok {
			return nil, fmt.Errorf("%w: key %q[%d] is %s, read as string", ErrTypeMismatch, key, i, typeName(elem))
		}
		out[i] = string(s)
	}
	return out, nil
}

// Bag returns the nested bag stored at key.
func (b Bag) Bag(key string) (Bag, error) {
	v, err := b.lookup(key, "bag")
	if err != nil {
		return nil, err
	}
	return v.(Bag), nil
}

// StringOr returns the string at key, or def when the key is absent.
// A present key of another type is still an error.
func (b Bag) StringOr(key, def string) (string, error) {
	if !b.Has(key) {
		return def, nil
	}
	return b.String(key)
}

// BoolOr returns the bool at key, or def when the key is absent.
func (b Bag) BoolOr(key string, def bool) (bool, error) {
	if !b.Has(key) {
		return def, nil
	}
	return b.Bool(key)
}

// Set stores v at key. It fails with ErrTypeMismatch when key already
// holds a value of another type.
func (b *Bag) Set(key string, v Value) error {
	if *b == nil {
		*b = make(Bag)
	}
	if old, ok := (*b)[key]; ok {
		if typeName(old) != typeName(v) {
			return fmt.Errorf("%w: key %q is %s, written as %s", ErrTypeMismatch, key, typeName(old), typeName(v))
		}
	}
	(*b)[key] = v
	return nil
}

// SetString stores a string at key.
func (b *Bag) SetString(key, v string) error { return b.Set(key, String(v)) }

// SetInt stores an int at key.
func (b *Bag) SetInt(key string, v int64) error { return b.Set(key, Int(v)) }

// SetBool stores a bool at key.
func (b *Bag) SetBool(key string, v bool) error { return b.Set(key, Bool(v)) }

// SetStrings stores a list of strings at key.
func (b *Bag) SetStrings(key string, v []string) error { return b.Set(key, Strings(v...)) }

// Clone returns a deep copy of the bag.
func (b Bag) Clone() Bag {
	if b == nil {
		return nil
	}
	out := make(Bag, len(b))
	for k, v := range b {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case List:
		l := make(List, len(val))
		for i, elem := range val {
			l[i] = cloneValue(elem)
		}
		return l
	case Bag:
		return val.Clone()
	default:
		return v
	}
}
