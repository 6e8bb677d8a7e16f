// Package events carries pipeline progress notifications between the
// scheduler, the webhook notifier, and the terminal renderer.
package events

import (
	"time"
)

// Event is implemented by every pipeline event.
type Event interface {
	EventType() string
	Task() int
}

// Topic constants.
const (
	TopicTask     = "task"
	TopicPipeline = "pipeline"
)

// Event type constants. The task-terminal types double as webhook event
// names, filtered by the roadmap's notify.events list.
const (
	TypeTaskStarted      = "task_started"
	TypePhaseStarted     = "phase_started"
	TypePhaseCompleted   = "phase_completed"
	TypeTaskCompleted    = "task_complete"
	TypeTaskFailed       = "task_failed"
	TypeTaskAbandoned    = "task_abandoned"
	TypeBudgetExhausted  = "budget_exhausted"
	TypePipelineProgress = "pipeline_progress"
	TypePipelineDone     = "pipeline_done"
)

// TaskStarted is published when a task is dispatched.
type TaskStarted struct {
	ID        int
	Title     string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStarted) EventType() string { return TypeTaskStarted }
func (e TaskStarted) Task() int         { return e.ID }

// PhaseStarted is published when a task enters a phase.
type PhaseStarted struct {
	ID        int
	Phase     string
	Attempt   int
	Timestamp time.Time
}

func (e PhaseStarted) EventType() string { return TypePhaseStarted }
func (e PhaseStarted) Task() int         { return e.ID }

// PhaseCompleted is published when a phase finishes, successfully or not.
type PhaseCompleted struct {
	ID        int
	Phase     string
	OK        bool
	Tokens    int64
	Timestamp time.Time
}

func (e PhaseCompleted) EventType() string { return TypePhaseCompleted }
func (e PhaseCompleted) Task() int         { return e.ID }

// TaskCompleted is published when a task reaches done.
type TaskCompleted struct {
	ID        int
	Title     string
	Tokens    int64
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompleted) EventType() string { return TypeTaskCompleted }
func (e TaskCompleted) Task() int         { return e.ID }

// TaskFailed is published on each failed attempt.
type TaskFailed struct {
	ID        int
	Title     string
	Attempt   int
	Reason    string
	Timestamp time.Time
}

func (e TaskFailed) EventType() string { return TypeTaskFailed }
func (e TaskFailed) Task() int         { return e.ID }

// TaskAbandoned is published when attempts are exhausted.
type TaskAbandoned struct {
	ID        int
	Title     string
	Attempts  int
	Reason    string
	Timestamp time.Time
}

func (e TaskAbandoned) EventType() string { return TypeTaskAbandoned }
func (e TaskAbandoned) Task() int         { return e.ID }

// BudgetExhausted is published when the monthly ceiling halts dispatch.
type BudgetExhausted struct {
	Limit     int64
	Used      int64
	Timestamp time.Time
}

func (e BudgetExhausted) EventType() string { return TypeBudgetExhausted }
func (e BudgetExhausted) Task() int         { return 0 }

// PipelineProgress is published whenever run-level counts change.
type PipelineProgress struct {
	Total     int
	Completed int
	Running   int
	Failed    int
	Timestamp time.Time
}

func (e PipelineProgress) EventType() string { return TypePipelineProgress }
func (e PipelineProgress) Task() int         { return 0 }

// PipelineDone is published once, when the run terminates.
type PipelineDone struct {
	Completed int
	Abandoned int
	Tokens    int64
	Timestamp time.Time
}

func (e PipelineDone) EventType() string { return TypePipelineDone }
func (e PipelineDone) Task() int         { return 0 }
