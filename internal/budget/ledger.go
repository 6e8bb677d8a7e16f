package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/aristath/roadrunner/internal/jsonio"
)

// Session is one agent invocation's accounting record. The log is
// append-only; totals are always derived by replaying it, so a reload after
// a crash yields the same totals the process saw before.
type Session struct {
	ID               string    `json:"id"`
	Task             int       `json:"task"`
	Phase            string    `json:"phase"`
	Attempt          int       `json:"attempt"`
	TokensIn         int64     `json:"tokens_in"`
	TokensOut        int64     `json:"tokens_out"`
	TokensCacheRead  int64     `json:"tokens_cache_read"`
	TokensCacheWrite int64     `json:"tokens_cache_write"`
	ParallelWith     []int     `json:"parallel_with,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Total returns the session's token count across all classes.
func (s Session) Total() int64 {
	return s.TokensIn + s.TokensOut + s.TokensCacheRead + s.TokensCacheWrite
}

// ExceededError reports a ceiling that gates further work.
type ExceededError struct {
	Scope string // "monthly" or "task"
	Task  int    // set for task scope
	Limit int64
	Used  int64
}

func (e *ExceededError) Error() string {
	if e.Scope == "task" {
		return fmt.Sprintf("task %03d token ceiling reached: %s of %s used",
			e.Task, humanize.Comma(e.Used), humanize.Comma(e.Limit))
	}
	return fmt.Sprintf("monthly token ceiling reached: %s of %s used",
		humanize.Comma(e.Used), humanize.Comma(e.Limit))
}

type ledgerFile struct {
	Sessions []Session `json:"sessions"`
}

// Ledger is the durable token-consumption log for one project. All methods
// are safe for concurrent use; appends serialize on an internal mutex so
// parallel build workers never lose updates.
type Ledger struct {
	mu       sync.Mutex
	cfg      Config
	path     string
	baseline *Baseline
	sessions []Session
	total    int64
	perTask  map[int]int64
	attempts map[int]int
}

// OpenLedger loads (or initializes) the project ledger at path. A nil
// baseline disables cross-project monthly accounting; the monthly ceiling
// then applies to this project's log alone.
func OpenLedger(path string, cfg Config, baseline *Baseline) (*Ledger, error) {
	l := &Ledger{
		cfg:      cfg,
		path:     path,
		baseline: baseline,
		perTask:  make(map[int]int64),
		attempts: make(map[int]int),
	}
	if jsonio.Exists(path) {
		var f ledgerFile
		if err := jsonio.Read(path, &f); err != nil {
			return nil, fmt.Errorf("loading ledger: %w", err)
		}
		for _, s := range f.Sessions {
			l.apply(s)
		}
	}
	return l, nil
}

// apply folds a session into the in-memory totals. Callers hold mu (or are
// still inside the constructor).
func (l *Ledger) apply(s Session) {
	l.sessions = append(l.sessions, s)
	if currentMonth(s.Timestamp) == currentMonth(time.Now()) {
		l.total += s.Total()
	}
	l.perTask[s.Task] += s.Total()
	if s.Attempt > l.attempts[s.Task] {
		l.attempts[s.Task] = s.Attempt
	}
}

// monthlyUsed returns this month's token total. The baseline, when
// configured, already accumulates every project's sessions (this one
// included), so it is authoritative; without one the project log stands
// alone. Callers hold mu.
func (l *Ledger) monthlyUsed() int64 {
	if l.baseline != nil {
		return l.baseline.Tokens()
	}
	return l.total
}

// Reserve reports whether another agent invocation may proceed for the
// task. It gates only; it allocates nothing.
func (l *Ledger) Reserve(taskID int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if used := l.monthlyUsed(); used >= l.cfg.MonthlyLimitTokens {
		return false, &ExceededError{Scope: "monthly", Limit: l.cfg.MonthlyLimitTokens, Used: used}
	}
	if used := l.perTask[taskID]; used >= l.cfg.PerTaskLimitTokens {
		return false, &ExceededError{Scope: "task", Task: taskID, Limit: l.cfg.PerTaskLimitTokens, Used: used}
	}
	return true, nil
}

// Record appends a session and persists the log. A persistence failure is
// returned as a fatal error: continuing without accounting is unsafe.
func (l *Ledger) Record(s Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	l.apply(s)
	if err := jsonio.WriteAtomic(l.path, ledgerFile{Sessions: l.sessions}); err != nil {
		return fmt.Errorf("persisting ledger: %w", err)
	}
	if l.baseline != nil {
		if err := l.baseline.Add(s.Total()); err != nil {
			return fmt.Errorf("persisting monthly baseline: %w", err)
		}
	}
	return nil
}

// AttemptsRemaining compares the task's highest recorded attempt to the
// per-task attempt ceiling.
func (l *Ledger) AttemptsRemaining(taskID int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	rem := l.cfg.MaxAttemptsPerTask - l.attempts[taskID]
	if rem < 0 {
		return 0
	}
	return rem
}

// TaskTokens returns the task's accumulated token count.
func (l *Ledger) TaskTokens(taskID int) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perTask[taskID]
}

// MonthTokens returns this month's total, baseline included.
func (l *Ledger) MonthTokens() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.monthlyUsed()
}

// Sessions returns a copy of the session log.
func (l *Ledger) Sessions() []Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Session(nil), l.sessions...)
}

// SessionsForTask returns the task's sessions in append order.
func (l *Ledger) SessionsForTask(taskID int) []Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Session
	for _, s := range l.sessions {
		if s.Task == taskID {
			out = append(out, s)
		}
	}
	return out
}

// EstimatedCost applies the price table to a set of sessions. Reporting
// only; ceilings always gate on raw token counts.
func (l *Ledger) EstimatedCost(sessions []Session) float64 {
	p := l.cfg.TokenPrices
	var cost float64
	for _, s := range sessions {
		cost += float64(s.TokensIn)/1e6*p.Input +
			float64(s.TokensOut)/1e6*p.Output +
			float64(s.TokensCacheRead)/1e6*p.CacheRead +
			float64(s.TokensCacheWrite)/1e6*p.CacheWrite
	}
	return cost
}

// Config returns the ceilings the ledger was opened with.
func (l *Ledger) Config() Config { return l.cfg }

// FormatTokens renders a token count for operator output, e.g. "1,234,567".
func FormatTokens(n int64) string { return humanize.Comma(n) }

func currentMonth(t time.Time) string { return t.UTC().Format("2006-01") }
