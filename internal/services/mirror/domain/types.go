// Package domain holds the core data structures for the mirror
package domain

import (
	"time"
)

// Window is the created_at range one round queries: [From, To)
// From nil means unbounded below. To is the run cutoff and never changes.
// Skip is how many records at exactly From the sink already holds; task offsets start past them
type Window struct {
	From *time.Time `json:"from,omitempty"`
	To   time.Time  `json:"to"`
	Skip int        `json:"skip,omitempty"`
}

// Bounded reports whether the window has a lower bound
func (w Window) Bounded() bool { return w.From != nil }

// Task is one page fetch plus insert inside a round
type Task struct {
	Offset int
	Limit  int
	Window Window
}

// TaskResult is what a task reports back to the coordinator
// Observed counts records the upstream returned, regardless of insert outcome
type TaskResult struct {
	Offset   int   `json:"offset"`
	Observed int   `json:"observed"`
	Inserted int   `json:"inserted"`
	Skipped  bool  `json:"skipped,omitempty"`
	Err      error `json:"-"`
}

// RoundResult aggregates one round
type RoundResult struct {
	Round    int
	Window   Window
	Tasks    []TaskResult
	Observed int
	Inserted int
	Failed   int
	Skipped  int
	Elapsed  time.Duration
}

// Add folds a task result into the aggregate
func (r *RoundResult) Add(t TaskResult) {
	r.Tasks = append(r.Tasks, t)
	r.Observed += t.Observed
	r.Inserted += t.Inserted
	if t.Err != nil {
		r.Failed++
	}
	if t.Skipped {
		r.Skipped++
	}
}

// State is the coordinator state
type State string

// Coordinator states
const (
	StateIdle        State = "idle"
	StateRoundActive State = "round_active"
	StateDraining    State = "draining"
	StateDone        State = "done"
)

// StopReason says why a run ended
type StopReason string

// Stop reasons
const (
	StopExhausted StopReason = "exhausted"
	StopShutdown  StopReason = "shutdown"
	StopStalled   StopReason = "stalled"
	StopCanceled  StopReason = "canceled"
)

// Document is the storage form of a normalized record
type Document struct {
	// Key is the upstream id as text, or a content hash when the record has none
	Key       string
	CreatedAt *time.Time
	UpdatedAt *time.Time
	// Body is the ordered JSON encoding of the normalized record
	Body      []byte
}

// RunStats summarizes one run
type RunStats struct {
	RunID      string     `json:"run_id"`
	Backend    string     `json:"backend"`
	Cutoff     time.Time  `json:"cutoff"`
	Rounds     int        `json:"rounds"`
	Observed   int        `json:"observed"`
	Inserted   int        `json:"inserted"`
	TaskErrors int        `json:"task_errors"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
	State      State      `json:"state"`
	Reason     StopReason `json:"reason,omitempty"`
	Err        string     `json:"error,omitempty"`
}

// Status is a point-in-time snapshot for the ops server
type Status struct {
	RunStats
	Round     int        `json:"round"`
	Window    *Window    `json:"window,omitempty"`
	Watermark *time.Time `json:"watermark,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}
