package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ValueKind discriminates the attribute value union.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
	KindTime   ValueKind = "time"
)

// Value is a tagged union over the attribute types an entity may carry.
// Exactly one payload field is meaningful, selected by Kind. The zero Value
// is the empty string.
type Value struct {
	Kind ValueKind

	str  string
	num  float64
	b    bool
	time time.Time
}

func StringValue(s string) Value  { return Value{Kind: KindString, str: s} }
func NumberValue(f float64) Value { return Value{Kind: KindNumber, num: f} }
func BoolValue(b bool) Value      { return Value{Kind: KindBool, b: b} }
func TimeValue(t time.Time) Value { return Value{Kind: KindTime, time: t.UTC()} }

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return fmt.Sprintf("%g", v.num)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindTime:
		return v.time.Format(time.RFC3339Nano)
	default:
		return v.str
	}
}

func (v Value) Number() (float64, bool)  { return v.num, v.Kind == KindNumber }
func (v Value) Bool() (bool, bool)       { return v.b, v.Kind == KindBool }
func (v Value) Time() (time.Time, bool)  { return v.time, v.Kind == KindTime }
func (v Value) Text() (string, bool)     { return v.str, v.Kind == KindString || v.Kind == "" }

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindTime:
		return v.time.Equal(o.time)
	default:
		return v.str == o.str
	}
}

type valueJSON struct {
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the union as {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.Kind {
	case KindNumber:
		payload = v.num
	case KindBool:
		payload = v.b
	case KindTime:
		payload = v.time.Format(time.RFC3339Nano)
	default:
		payload = v.str
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	kind := v.Kind
	if kind == "" {
		kind = KindString
	}
	return json.Marshal(valueJSON{Kind: kind, Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var vj valueJSON
	if err := json.Unmarshal(data, &vj); err != nil {
		return err
	}
	switch vj.Kind {
	case KindString, "":
		v.Kind = KindString
		return json.Unmarshal(vj.Value, &v.str)
	case KindNumber:
		v.Kind = KindNumber
		return json.Unmarshal(vj.Value, &v.num)
	case KindBool:
		v.Kind = KindBool
		return json.Unmarshal(vj.Value, &v.b)
	case KindTime:
		v.Kind = KindTime
		var s string
		if err := json.Unmarshal(vj.Value, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("failed to parse time value %q: %w", s, err)
		}
		v.time = t.UTC()
		return nil
	default:
		return fmt.Errorf("unknown value kind %q", vj.Kind)
	}
}
