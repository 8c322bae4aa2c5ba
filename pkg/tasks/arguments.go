package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
)

// UserKey is the argument holding the submitting principal.
const UserKey = "user"

// Arguments is an insertion-ordered, string-keyed map. Values are never mutated in
// place: With returns a copy.
type Arguments struct {
	keys   []string
	values map[string]any
}

// NewArguments builds arguments from alternating key/value pairs:
//
//	tasks.NewArguments("a", 2, "b", 3)
func NewArguments(pairs ...any) Arguments {
	if len(pairs)%2 != 0 {
		panic("tasks.NewArguments: odd number of key/value pairs")
	}
	a := Arguments{values: make(map[string]any, len(pairs)/2)}
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("tasks.NewArguments: key %v is not a string", pairs[i]))
		}
		a.set(key, pairs[i+1])
	}
	return a
}

// ArgumentsFromMap builds arguments from a map, with keys in sorted order.
func ArgumentsFromMap(m map[string]any) Arguments {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	a := Arguments{values: make(map[string]any, len(m))}
	for _, k := range keys {
		a.set(k, m[k])
	}
	return a
}

// With returns a copy of a with key set to value. An existing key keeps its position.
func (a Arguments) With(key string, value any) Arguments {
	c := a.clone()
	c.set(key, value)
	return c
}

// Get returns the top-level value for key.
func (a Arguments) Get(key string) (any, bool) {
	v, ok := a.values[key]
	return v, ok
}

// Len returns the number of top-level keys.
func (a Arguments) Len() int {
	return len(a.keys)
}

// Keys returns the keys in insertion order.
func (a Arguments) Keys() []string {
	return append([]string(nil), a.keys...)
}

// All iterates over the top-level entries in insertion order.
func (a Arguments) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for _, k := range a.keys {
			if !yield(k, a.values[k]) {
				return
			}
		}
	}
}

// Map returns a shallow copy as a plain map.
func (a Arguments) Map() map[string]any {
	m := make(map[string]any, len(a.keys))
	for _, k := range a.keys {
		m[k] = a.values[k]
	}
	return m
}

// User returns the value stored under UserKey, or "".
func (a Arguments) User() string {
	s, _ := a.values[UserKey].(string)
	return s
}

// Lookup resolves a dotted path ("doc.meta.lang") through nested objects.
func (a Arguments) Lookup(path string) (any, bool) {
	var cur any = a
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case Arguments:
			v, ok := node.values[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// Str returns the value of key formatted as a string.
func (a Arguments) Str(key string) (string, error) {
	v, ok := a.values[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

// Int returns the value of key as an integer. It accepts Go integers, floats without
// fraction, json.Number and numeric strings.
func (a Arguments) Int(key string) (int64, error) {
	v, ok := a.values[key]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", key)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("argument %q is not an integer: %v", key, n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("argument %q has type %T", key, v)
}

// Float returns the value of key as a float.
func (a Arguments) Float(key string) (float64, error) {
	v, ok := a.values[key]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", key)
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("argument %q has type %T", key, v)
}

// MarshalJSON writes the arguments as an object, preserving key order.
func (a Arguments) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range a.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(a.values[k])
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object, keeping the key order of the document.
// Numbers are decoded as json.Number so integers survive the round trip.
func (a *Arguments) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*a = Arguments{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("arguments: expected object, got %v", tok)
	}
	out := Arguments{values: make(map[string]any)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("arguments: unexpected key %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("argument %q: %w", key, err)
		}
		out.set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = out
	return nil
}

func (a *Arguments) set(key string, value any) {
	if a.values == nil {
		a.values = make(map[string]any)
	}
	if _, exists := a.values[key]; !exists {
		a.keys = append(a.keys, key)
	}
	a.values[key] = value
}

func (a Arguments) clone() Arguments {
	c := Arguments{
		keys:   append([]string(nil), a.keys...),
		values: make(map[string]any, len(a.values)),
	}
	for k, v := range a.values {
		c.values[k] = v
	}
	return c
}
