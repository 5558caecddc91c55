// Package record models an upstream telemetry record as an ordered set of tagged fields.
// Unknown fields pass through untouched so upstream schema drift needs no code change
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Well-known field names
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Field is one named value
type Field struct {
	Name  string
	Value Value
}

// Record is an ordered mapping of field name to Value. The zero value is an empty record
type Record struct {
	fields []Field
	index  map[string]int
}

// New builds a record from fields in order; a repeated name overwrites the earlier value in place
func New(fields ...Field) Record {
	var r Record
	for _, f := range fields {
		r.Set(f.Name, f.Value)
	}
	return r
}

// Len returns the number of fields
func (r Record) Len() int { return len(r.fields) }

// Get returns the value for name
func (r Record) Get(name string) (Value, bool) {
	if i, ok := r.index[name]; ok {
		return r.fields[i].Value, true
	}
	return Value{}, false
}

// Set replaces name in place, or appends it when absent
func (r *Record) Set(name string, v Value) {
	if i, ok := r.index[name]; ok {
		r.fields[i].Value = v
		return
	}
	if r.index == nil {
		r.index = make(map[string]int)
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: v})
}

// Names returns field names in order
func (r Record) Names() []string {
	out := make([]string, len(r.fields))
	for i, f := range r.fields {
		out[i] = f.Name
	}
	return out
}

// Fields returns a copy of the fields in order
func (r Record) Fields() []Field { return append([]Field(nil), r.fields...) }

// Clone returns a deep-enough copy: values are immutable so only the slices are copied
func (r Record) Clone() Record { return New(r.fields...) }

// MarshalJSON writes the fields as a JSON object in record order
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping key order
func (r *Record) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("record: expected object, got %v", tok)
	}
	out := Record{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("record: expected key, got %v", kt)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("record: field %q: %w", key, err)
		}
		var v Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("record: field %q: %w", key, err)
		}
		out.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*r = out
	return nil
}
