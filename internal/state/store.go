package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/roadrunner/internal/jsonio"
	"github.com/aristath/roadrunner/internal/roadmap"
)

// Store owns the run state file. Workers never touch it directly; the
// scheduler's coordinator goroutine is the single writer, and the mutex
// only guards read access from reporting code.
type Store struct {
	mu   sync.Mutex
	path string
	run  *RunState
}

// Load reads the state file at path (if any) and reconciles it with the
// current graph: tasks added to the roadmap since the last run start as
// blocked or ready per present dependency satisfaction, while recorded
// statuses of known tasks are preserved untouched. Records for tasks no
// longer in the roadmap are kept as history but never scheduled.
func Load(path string, g *roadmap.Graph) (*Store, error) {
	st := &Store{
		path: path,
		run:  &RunState{Tasks: make(map[int]*TaskRunState)},
	}
	if jsonio.Exists(path) {
		if err := jsonio.Read(path, st.run); err != nil {
			return nil, fmt.Errorf("loading run state: %w", err)
		}
		if st.run.Tasks == nil {
			st.run.Tasks = make(map[int]*TaskRunState)
		}
	}
	for _, t := range g.Tasks() {
		if _, known := st.run.Tasks[t.ID]; known {
			continue
		}
		status := StatusBlocked
		if depsDone(st.run, t) {
			status = StatusReady
		}
		st.run.Tasks[t.ID] = &TaskRunState{Status: status}
	}
	st.run.Total = g.Len()
	st.refreshCounts()
	return st, nil
}

func depsDone(run *RunState, t *roadmap.Task) bool {
	for _, dep := range t.DependsOn {
		rec, ok := run.Tasks[dep]
		if !ok || rec.Status != StatusDone {
			return false
		}
	}
	return true
}

// Update carries the optional fields a Mark call may set alongside the
// status edge.
type Update struct {
	Phase     string
	Attempt   int
	AddTokens int64
	LastError string
	FixLog    string
}

// Mark is the only mutator. It validates the edge, applies the update,
// and persists atomically before returning. A persistence failure is fatal
// to the run; continuing without durable state is unsafe.
func (st *Store) Mark(taskID int, to Status, u Update) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	rec, ok := st.run.Tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task %03d", taskID)
	}
	if !CanTransition(rec.Status, to) {
		return &InvalidTransitionError{Task: taskID, From: rec.Status, To: to}
	}

	now := time.Now().UTC()
	if to == StatusInProgress && rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	rec.Status = to
	if u.Phase != "" {
		rec.Phase = u.Phase
	}
	if u.Attempt > 0 {
		rec.Attempt = u.Attempt
	}
	rec.Tokens += u.AddTokens
	if u.LastError != "" {
		rec.LastError = u.LastError
	}
	if u.FixLog != "" {
		rec.FixLog = u.FixLog
	}
	switch to {
	case StatusDone:
		rec.Phase = ""
		rec.LastError = ""
		rec.FixLog = ""
		rec.FinishedAt = &now
		st.run.CurrentTask = 0
	case StatusAbandoned:
		rec.FinishedAt = &now
		st.run.Failed = append(st.run.Failed, Failure{Task: taskID, Reason: rec.LastError})
	case StatusInProgress:
		st.run.CurrentTask = taskID
	}
	if rec.FinishedAt != nil && rec.StartedAt != nil {
		rec.DurationSeconds = rec.FinishedAt.Sub(*rec.StartedAt).Seconds()
	}
	st.refreshCounts()
	return st.save()
}

// Reset explicitly returns a terminal or failed task to the scheduling
// pool, clearing its execution record. Operator action, never automatic.
func (st *Store) Reset(taskID int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.run.Tasks[taskID]; !ok {
		return fmt.Errorf("unknown task %03d", taskID)
	}
	st.run.Tasks[taskID] = &TaskRunState{Status: StatusBlocked}
	kept := st.run.Failed[:0]
	for _, f := range st.run.Failed {
		if f.Task != taskID {
			kept = append(kept, f)
		}
	}
	st.run.Failed = kept
	st.refreshCounts()
	return st.save()
}

// Save persists the current state. Mark already saves on every mutation;
// this exists for the interrupt path, which must flush before exit.
func (st *Store) Save() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.save()
}

func (st *Store) save() error {
	if err := jsonio.WriteAtomic(st.path, st.run); err != nil {
		return fmt.Errorf("persisting run state: %w", err)
	}
	return nil
}

func (st *Store) refreshCounts() {
	n := 0
	for _, rec := range st.run.Tasks {
		if rec.Status == StatusDone {
			n++
		}
	}
	st.run.Completed = n
}

// Task returns a copy of the task's record.
func (st *Store) Task(taskID int) (TaskRunState, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	rec, ok := st.run.Tasks[taskID]
	if !ok {
		return TaskRunState{}, false
	}
	return *rec, true
}

// Status returns the task's scheduling status, StatusBlocked if unknown.
func (st *Store) Status(taskID int) Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	rec, ok := st.run.Tasks[taskID]
	if !ok {
		return StatusBlocked
	}
	return rec.Status
}

// Snapshot returns a deep copy of the run state for reporting.
func (st *Store) Snapshot() RunState {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := *st.run
	out.Failed = append([]Failure(nil), st.run.Failed...)
	out.Tasks = make(map[int]*TaskRunState, len(st.run.Tasks))
	for id, rec := range st.run.Tasks {
		cp := *rec
		out.Tasks[id] = &cp
	}
	return out
}

// InProgress returns the ids of tasks recorded mid-flight, ascending. Used
// on resume to re-dispatch interrupted tasks before anything new.
func (st *Store) InProgress() []int {
	st.mu.Lock()
	defer st.mu.Unlock()
	var ids []int
	for id, rec := range st.run.Tasks {
		if rec.Status == StatusInProgress {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}
