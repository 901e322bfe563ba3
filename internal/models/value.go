package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Kind discriminates the variants of Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

// Value is one entry of a job payload: a string, number, bool, list or
// nested map. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	m    Payload
}

func String(s string) Value  { return Value{kind: KindString, str: s} }
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Int(i int) Value        { return Value{kind: KindNumber, num: float64(i)} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }
func Map(p Payload) Value    { return Value{kind: KindMap, m: p} }

// Strings builds a list value of strings.
func Strings(ss []string) Value {
	vs := make([]Value, len(ss))
	for i, s := range ss {
		vs[i] = String(s)
	}
	return List(vs...)
}

func (v Value) Kind() Kind { return v.kind }

// Str returns the string variant.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the number variant.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Items returns the list variant.
func (v Value) Items() ([]Value, bool) { return v.list, v.kind == KindList }

// Fields returns the map variant.
func (v Value) Fields() (Payload, bool) { return v.m, v.kind == KindMap }

// Any converts the value into plain Go values for JSON-style consumers.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	case KindMap:
		return v.m.Any()
	}
	return nil
}

// FromAny converts decoded JSON (or equivalent Go values) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Int(t), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("payload number %q: %w", t, err)
		}
		return Number(f), nil
	case []string:
		return Strings(t), nil
	case []any:
		vs := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			vs[i] = v
		}
		return List(vs...), nil
	case map[string]any:
		p, err := PayloadFromMap(t)
		if err != nil {
			return Value{}, err
		}
		return Map(p), nil
	case Payload:
		return Map(t), nil
	}
	return Value{}, fmt.Errorf("unsupported payload value type %T", x)
}

func (v Value) MarshalJSON() ([]byte, error) {
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

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindList:
		return slices.EqualFunc(v.list, o.list, Value.Equal)
	case KindMap:
		return maps.EqualFunc(v.m, o.m, Value.Equal)
	}
	return true
}

// Payload is the auxiliary attribute map carried by a job.
type Payload map[string]Value

// PayloadFromMap converts a decoded JSON object.
func PayloadFromMap(m map[string]any) (Payload, error) {
	p := make(Payload, len(m))
	for k, raw := range m {
		v, err := FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("payload %q: %w", k, err)
		}
		p[k] = v
	}
	return p, nil
}

// Any converts the payload into a plain map.
func (p Payload) Any() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Any()
	}
	return out
}

// Merge copies every entry of other into p, overwriting existing keys.
func (p Payload) Merge(other Payload) {
	maps.Copy(p, other)
}

// Clone returns a deep copy.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v.clone()
	}
	return out
}

func (v Value) clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.clone()
		}
		v.list = items
	case KindMap:
		v.m = v.m.Clone()
	}
	return v
}
