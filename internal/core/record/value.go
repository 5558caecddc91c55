package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags the variant a Value holds
type Kind uint8

const (
	// Null is JSON null or an absent field
	Null Kind = iota
	// Number keeps the upstream literal so no precision is lost
	Number
	// String is a JSON string
	String
	// Time is a normalized UTC timestamp
	Time
	// Raw is any other JSON (bool, object, array) carried through untouched
	Raw
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Number:
		return "number"
	case String:
		return "string"
	case Time:
		return "time"
	default:
		return "raw"
	}
}

// TimeLayout is how Time values are written back to JSON
const TimeLayout = time.RFC3339Nano

// Value is a tagged field value
type Value struct {
	kind Kind
	num  json.Number
	str  string
	t    time.Time
	raw  json.RawMessage
}

// NullValue returns the null value
func NullValue() Value { return Value{} }

// NumberValue wraps a numeric literal
func NumberValue(n json.Number) Value { return Value{kind: Number, num: n} }

// StringValue wraps a string
func StringValue(s string) Value { return Value{kind: String, str: s} }

// TimeValue wraps a timestamp, converted to UTC
func TimeValue(t time.Time) Value { return Value{kind: Time, t: t.UTC()} }

// RawValue wraps arbitrary JSON. The bytes are copied
func RawValue(b []byte) Value { return Value{kind: Raw, raw: append(json.RawMessage(nil), b...)} }

// Kind returns the variant tag
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null
func (v Value) IsNull() bool { return v.kind == Null }

// Number returns the numeric literal when v is a Number
func (v Value) Number() (json.Number, bool) { return v.num, v.kind == Number }

// Str returns the string when v is a String
func (v Value) Str() (string, bool) { return v.str, v.kind == String }

// Time returns the timestamp when v is a Time
func (v Value) Time() (time.Time, bool) { return v.t, v.kind == Time }

// Raw returns the raw JSON when v is Raw
func (v Value) Raw() (json.RawMessage, bool) { return v.raw, v.kind == Raw }

// Text renders scalars as plain text: numbers as their literal, strings as-is,
// times in TimeLayout. ok is false for null and raw values
func (v Value) Text() (string, bool) {
	switch v.kind {
	case Number:
		return v.num.String(), true
	case String:
		return v.str, true
	case Time:
		return v.t.Format(TimeLayout), true
	default:
		return "", false
	}
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case Number:
		return []byte(v.num), nil
	case String:
		return json.Marshal(v.str)
	case Time:
		return json.Marshal(v.t.Format(TimeLayout))
	case Raw:
		if len(v.raw) == 0 {
			return []byte("null"), nil
		}
		return v.raw, nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON classifies one JSON value. Strings stay strings; timestamp
// parsing is a separate normalization step
func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		*v = NullValue()
		return nil
	}
	switch c := b[0]; {
	case c == 'n':
		*v = NullValue()
	case c == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*v = NumberValue(n)
	default:
		if !json.Valid(b) {
			return fmt.Errorf("invalid JSON value %.32q", b)
		}
		*v = RawValue(b)
	}
	return nil
}
