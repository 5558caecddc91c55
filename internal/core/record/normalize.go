package record

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// TimestampFields are normalized before storage
var TimestampFields = []string{FieldCreatedAt, FieldUpdatedAt}

// ParseError reports a timestamp field that did not parse and was set to null
type ParseError struct {
	Field string
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("field %s: cannot parse %q as timestamp: %v", e.Field, e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseTime reads a timestamp value. Strings go through dateparse with UTC assumed for
// zone-less input; an existing Time passes through; null stays null (ok=false, nil error).
// Anything else is an error
func ParseTime(v Value) (time.Time, bool, error) {
	switch v.Kind() {
	case Null:
		return time.Time{}, false, nil
	case Time:
		t, _ := v.Time()
		return t, true, nil
	case String:
		s, _ := v.Str()
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, false, fmt.Errorf("empty string")
		}
		t, err := dateparse.ParseIn(s, time.UTC)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.UTC(), true, nil
	default:
		return time.Time{}, false, fmt.Errorf("unsupported %s value", v.Kind())
	}
}

// Normalize returns a copy of r where every TimestampFields entry is a Time or null.
// Missing fields are added as null. Fields that fail to parse become null and are
// reported in the returned slice; the record itself is never rejected
func Normalize(r Record) (Record, []*ParseError) {
	out := r.Clone()
	var perrs []*ParseError
	for _, name := range TimestampFields {
		v, ok := out.Get(name)
		if !ok {
			out.Set(name, NullValue())
			continue
		}
		t, has, err := ParseTime(v)
		switch {
		case err != nil:
			in, _ := v.Text()
			if in == "" {
				b, _ := v.MarshalJSON()
				in = string(b)
			}
			perrs = append(perrs, &ParseError{Field: name, Input: in, Err: err})
			out.Set(name, NullValue())
		case has:
			out.Set(name, TimeValue(t))
		default:
			out.Set(name, NullValue())
		}
	}
	return out, perrs
}
