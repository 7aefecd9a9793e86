package experiment

import (
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValueKind is the primitive type held by a payload Value.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
)

// Value is a single primitive configuration value. The zero Value is invalid.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
}

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// NumberValue returns a numeric Value.
func NumberValue(n float64) Value { return Value{kind: KindNumber, num: n} }

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind returns the kind of the value, or "" for the zero Value.
func (v Value) Kind() ValueKind { return v.kind }

// Str returns the string content and whether the value is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Number returns the numeric content and whether the value is a number.
func (v Value) Number() (float64, bool) { return v.num, v.kind == KindNumber }

// Bool returns the boolean content and whether the value is a bool.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Interface returns the value as a plain Go value.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// ValueOf converts a decoded JSON/YAML scalar into a Value.
func ValueOf(raw any) (Value, error) {
	switch x := raw.(type) {
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	case float64:
		return NumberValue(x), nil
	case float32:
		return NumberValue(float64(x)), nil
	case int:
		return NumberValue(float64(x)), nil
	case int64:
		return NumberValue(float64(x)), nil
	case int32:
		return NumberValue(float64(x)), nil
	case uint64:
		return NumberValue(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", x.String(), err)
		}
		return NumberValue(f), nil
	default:
		return Value{}, fmt.Errorf("unsupported payload value of type %T (want string, number or bool)", raw)
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == "" {
		return nil, fmt.Errorf("cannot marshal empty payload value")
	}
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (v Value) MarshalYAML() (any, error) {
	return v.Interface(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: payload values must be scalars", node.Line)
	}
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*v = parsed
	return nil
}

// Payload is the typed configuration carried by a variant.
type Payload map[string]Value

// PayloadFromMap converts an untyped map into a Payload, rejecting nested
// objects, arrays and nulls.
func PayloadFromMap(m map[string]any) (Payload, error) {
	if m == nil {
		return nil, nil
	}
	p := make(Payload, len(m))
	for k, raw := range m {
		v, err := ValueOf(raw)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		p[k] = v
	}
	return p, nil
}

// Clone returns a copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	c := make(Payload, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Map returns the payload as a plain map.
func (p Payload) Map() map[string]any {
	m := make(map[string]any, len(p))
	for k, v := range p {
		m[k] = v.Interface()
	}
	return m
}
