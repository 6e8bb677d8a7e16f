package budget

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MonthlyLimitTokens = 1000
	cfg.PerTaskLimitTokens = 500
	cfg.MaxAttemptsPerTask = 3
	return cfg
}

func openTestLedger(t *testing.T, cfg Config) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.json"), cfg, nil)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	return l
}

func TestReserveGating(t *testing.T) {
	l := openTestLedger(t, testConfig())

	ok, err := l.Reserve(1)
	if !ok || err != nil {
		t.Fatalf("Reserve on empty ledger: ok=%v err=%v", ok, err)
	}

	if err := l.Record(Session{Task: 1, Phase: "build", Attempt: 1, TokensOut: 600}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Task 1 is over its per-task ceiling; the month still has room.
	ok, err = l.Reserve(1)
	if ok {
		t.Error("Reserve(1) should gate on per-task ceiling")
	}
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) || exceeded.Scope != "task" {
		t.Errorf("expected task-scope ExceededError, got %v", err)
	}
	if ok, _ := l.Reserve(2); !ok {
		t.Error("Reserve(2) should still pass")
	}

	if err := l.Record(Session{Task: 2, Phase: "build", Attempt: 1, TokensOut: 500}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	ok, err = l.Reserve(3)
	if ok {
		t.Error("Reserve(3) should gate on monthly ceiling")
	}
	if !errors.As(err, &exceeded) || exceeded.Scope != "monthly" {
		t.Errorf("expected monthly-scope ExceededError, got %v", err)
	}
}

func TestReplayAfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	cfg := testConfig()

	l, err := OpenLedger(path, cfg, nil)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	sessions := []Session{
		{Task: 1, Phase: "build", Attempt: 1, TokensIn: 100, TokensOut: 50},
		{Task: 1, Phase: "fix", Attempt: 2, TokensIn: 80, TokensOut: 40},
		{Task: 2, Phase: "build", Attempt: 1, TokensCacheRead: 30},
	}
	for _, s := range sessions {
		if err := l.Record(s); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	// A fresh open must replay to the exact same totals.
	reloaded, err := OpenLedger(path, cfg, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got, want := reloaded.MonthTokens(), l.MonthTokens(); got != want {
		t.Errorf("MonthTokens after reload = %d, want %d", got, want)
	}
	if got, want := reloaded.TaskTokens(1), int64(270); got != want {
		t.Errorf("TaskTokens(1) = %d, want %d", got, want)
	}
	if got, want := reloaded.AttemptsRemaining(1), 1; got != want {
		t.Errorf("AttemptsRemaining(1) = %d, want %d", got, want)
	}
	if got := len(reloaded.Sessions()); got != 3 {
		t.Errorf("session count = %d, want 3", got)
	}
}

func TestAttemptsRemaining(t *testing.T) {
	l := openTestLedger(t, testConfig())
	if got := l.AttemptsRemaining(1); got != 3 {
		t.Fatalf("fresh task: AttemptsRemaining = %d, want 3", got)
	}
	for attempt := 1; attempt <= 3; attempt++ {
		if err := l.Record(Session{Task: 1, Phase: "build", Attempt: attempt, TokensOut: 1}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if got := l.AttemptsRemaining(1); got != 0 {
		t.Errorf("after 3 attempts: AttemptsRemaining = %d, want 0", got)
	}
	// A replayed higher attempt never yields a negative remainder.
	if err := l.Record(Session{Task: 1, Phase: "fix", Attempt: 5, TokensOut: 1}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := l.AttemptsRemaining(1); got != 0 {
		t.Errorf("over-limit attempt: AttemptsRemaining = %d, want 0", got)
	}
}

func TestConcurrentRecords(t *testing.T) {
	cfg := testConfig()
	cfg.MonthlyLimitTokens = 1_000_000
	cfg.PerTaskLimitTokens = 1_000_000
	l := openTestLedger(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(task int) {
			defer wg.Done()
			_ = l.Record(Session{Task: task, Phase: "build", Attempt: 1, TokensOut: 10})
		}(i + 1)
	}
	wg.Wait()
	if got, want := l.MonthTokens(), int64(200); got != want {
		t.Errorf("MonthTokens = %d, want %d (lost updates)", got, want)
	}
}

func TestEstimatedCost(t *testing.T) {
	cfg := testConfig()
	cfg.TokenPrices = Prices{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}
	l := openTestLedger(t, cfg)

	sessions := []Session{{
		TokensIn:         1_000_000,
		TokensOut:        2_000_000,
		TokensCacheRead:  10_000_000,
		TokensCacheWrite: 1_000_000,
	}}
	// 3 + 30 + 3 + 3.75
	if got, want := l.EstimatedCost(sessions), 39.75; got != want {
		t.Errorf("EstimatedCost = %v, want %v", got, want)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("missing file should yield defaults, got %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero monthly", func(c *Config) { c.MonthlyLimitTokens = 0 }},
		{"zero per-task", func(c *Config) { c.PerTaskLimitTokens = 0 }},
		{"zero attempts", func(c *Config) { c.MaxAttemptsPerTask = 0 }},
		{"zero parallel", func(c *Config) { c.MaxParallelAgents = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestBaselineSharedAcrossLedgers(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	baseline, err := OpenBaseline(filepath.Join(dir, "monthly.json"))
	if err != nil {
		t.Fatalf("OpenBaseline: %v", err)
	}
	a, err := OpenLedger(filepath.Join(dir, "a.json"), cfg, baseline)
	if err != nil {
		t.Fatalf("OpenLedger a: %v", err)
	}
	b, err := OpenLedger(filepath.Join(dir, "b.json"), cfg, baseline)
	if err != nil {
		t.Fatalf("OpenLedger b: %v", err)
	}

	if err := a.Record(Session{Task: 1, Phase: "build", Attempt: 1, TokensOut: 600}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := b.Record(Session{Task: 1, Phase: "build", Attempt: 1, TokensOut: 500}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Project b only spent 500, but the shared month is at 1100 of 1000.
	ok, err := b.Reserve(2)
	if ok {
		t.Error("Reserve should gate on shared monthly baseline")
	}
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) || exceeded.Scope != "monthly" {
		t.Errorf("expected monthly-scope ExceededError, got %v", err)
	}
}
