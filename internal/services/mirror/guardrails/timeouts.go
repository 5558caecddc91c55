// Package guardrails holds cross cutting safety helpers for the mirror
package guardrails

import (
	"context"
	"time"
)

// Timeouts is an optional budget bundle for one task and the watermark query.
// Zero values mean no extra timeout at that level
type Timeouts struct {
	// Fetch caps one upstream page fetch including retries
	Fetch time.Duration

	// Insert caps the sink write for one page, bisection included
	Insert time.Duration

	// Watermark caps the latest created_at query between rounds
	Watermark time.Duration
}

// ForFetch returns a sub context for the fetch phase bounded by Fetch and any remaining parent budget
func ForFetch(parent context.Context, t Timeouts) (context.Context, context.CancelFunc) {
	return withChildTimeout(parent, t.Fetch)
}

// ForInsert returns a sub context for the insert phase bounded by Insert and any remaining parent budget
func ForInsert(parent context.Context, t Timeouts) (context.Context, context.CancelFunc) {
	return withChildTimeout(parent, t.Insert)
}

// ForWatermark returns a sub context for the watermark query
func ForWatermark(parent context.Context, t Timeouts) (context.Context, context.CancelFunc) {
	return withChildTimeout(parent, t.Watermark)
}

// Remaining returns the time until the deadline on ctx or zero when none is set or already expired
func Remaining(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		d := time.Until(dl)
		if d > 0 {
			return d
		}
	}
	return 0
}

// withChildTimeout chooses the tighter of the requested duration and any parent remainder.
// Never extends the parent deadline
func withChildTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	if rem := Remaining(parent); rem > 0 && rem < d {
		return context.WithTimeout(parent, rem)
	}
	return context.WithTimeout(parent, d)
}
