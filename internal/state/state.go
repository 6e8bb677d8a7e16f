// Package state is the durable record of a pipeline run: per-task status,
// the exact in-flight phase, attempt counts, and failure summaries. Every
// mutation goes through Mark, which validates the edge against the status
// machine and persists atomically, so a crash at any point leaves a
// resumable file.
package state

import (
	"fmt"
	"time"
)

// Status is a task's scheduling status. Phase detail inside in-progress
// lives in TaskRunState.Phase, persisted verbatim.
type Status string

const (
	StatusBlocked    Status = "blocked"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusAbandoned  Status = "abandoned"
)

// Terminal reports whether no further transitions are allowed without an
// explicit reset.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusAbandoned
}

// validTransitions is the full edge set. in-progress → in-progress covers
// phase advances within one dispatch; failed → ready is the fresh-attempt
// edge, failed → abandoned the attempts-exhausted edge.
var validTransitions = map[Status][]Status{
	StatusBlocked:    {StatusReady},
	StatusReady:      {StatusInProgress},
	StatusInProgress: {StatusInProgress, StatusDone, StatusFailed},
	StatusFailed:     {StatusReady, StatusAbandoned},
	StatusDone:       {},
	StatusAbandoned:  {},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError indicates state-machine misuse: a caller requested
// an edge the machine does not define. It is a bug, not a runtime condition.
type InvalidTransitionError struct {
	Task int
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %03d: invalid transition %s -> %s", e.Task, e.From, e.To)
}

// TaskRunState is one task's mutable execution record.
type TaskRunState struct {
	Status     Status     `json:"status"`
	Phase      string     `json:"phase,omitempty"`
	Attempt    int        `json:"attempt"`
	Tokens     int64      `json:"tokens"`
	LastError  string     `json:"last_error,omitempty"`
	// Failing check output or reviewer feedback from the last failed
	// attempt, seeded into the next attempt's prompts.
	FixLog string `json:"fix_log,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Elapsed wall-clock seconds, filled at terminal transitions.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Failure is one entry in the run-level failed list.
type Failure struct {
	Task   int    `json:"task"`
	Reason string `json:"reason"`
}

// RunState is the persisted document: run-level progress plus the per-task
// records, keyed by task id.
type RunState struct {
	CurrentTask int                   `json:"current_task"`
	Completed   int                   `json:"completed"`
	Total       int                   `json:"total"`
	Failed      []Failure             `json:"failed,omitempty"`
	Tasks       map[int]*TaskRunState `json:"tasks"`
}
