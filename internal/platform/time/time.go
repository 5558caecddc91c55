// Package time contains helpers for optional timestamps
package time

import "time"

// Ptr returns a pointer to t in UTC, or nil if t is zero
func Ptr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// Clone returns an independent copy of p; nil stays nil
func Clone(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
