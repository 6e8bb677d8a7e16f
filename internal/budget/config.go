// Package budget tracks token consumption across agent invocations and
// enforces the monthly and per-task ceilings that gate dispatch.
package budget

import (
	"fmt"

	"github.com/aristath/roadrunner/internal/jsonio"
)

// Prices is the USD price per million tokens, by token class.
type Prices struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cache_read"`
	CacheWrite float64 `json:"cache_write"`
}

// Config holds the budget ceilings and the price table. It is passed
// explicitly to the ledger and scheduler constructors, never held globally.
type Config struct {
	MonthlyLimitTokens int64  `json:"monthly_limit_tokens"`
	PerTaskLimitTokens int64  `json:"per_task_limit_tokens"`
	MaxAttemptsPerTask int    `json:"max_attempts_per_task"`
	MaxParallelAgents  int    `json:"max_parallel_agents"`
	TokenPrices        Prices `json:"token_prices_usd_per_million"`
}

// DefaultConfig returns the baseline ceilings used when no budget file exists.
func DefaultConfig() Config {
	return Config{
		MonthlyLimitTokens: 50_000_000,
		PerTaskLimitTokens: 2_000_000,
		MaxAttemptsPerTask: 3,
		MaxParallelAgents:  2,
		TokenPrices: Prices{
			Input:      3.0,
			Output:     15.0,
			CacheRead:  0.30,
			CacheWrite: 3.75,
		},
	}
}

// LoadConfig reads a budget configuration file, overlaying it on the
// defaults. A missing file yields the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" || !jsonio.Exists(path) {
		return cfg, nil
	}
	if err := jsonio.Read(path, &cfg); err != nil {
		return cfg, fmt.Errorf("loading budget config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects ceilings that would make the run degenerate.
func (c Config) Validate() error {
	if c.MonthlyLimitTokens <= 0 {
		return fmt.Errorf("monthly_limit_tokens must be positive, got %d", c.MonthlyLimitTokens)
	}
	if c.PerTaskLimitTokens <= 0 {
		return fmt.Errorf("per_task_limit_tokens must be positive, got %d", c.PerTaskLimitTokens)
	}
	if c.MaxAttemptsPerTask < 1 {
		return fmt.Errorf("max_attempts_per_task must be at least 1, got %d", c.MaxAttemptsPerTask)
	}
	if c.MaxParallelAgents < 1 {
		return fmt.Errorf("max_parallel_agents must be at least 1, got %d", c.MaxParallelAgents)
	}
	return nil
}
