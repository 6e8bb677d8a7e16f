// Package agent invokes the external coding agent CLI and accounts for its
// token usage. The pipeline hands it a phase-specific prompt; everything
// about prompt construction and model selection stays on the caller's side
// of the boundary.
package agent

import (
	"context"
	"fmt"
)

// Request is one agent invocation.
type Request struct {
	TaskID  int
	Slug    string // log directory key, e.g. "003-parse-config"
	Kind    string // agent kind: build, fix, document, milestone, ...
	Phase   string // pipeline phase the invocation serves
	Attempt int
	Prompt  string
	// Continue resumes the agent's previous session for this task instead
	// of starting fresh. Fix phases continue; parallel builds never do.
	Continue bool
}

// Result is the outcome of a completed invocation.
type Result struct {
	SessionID        string
	Output           string // combined output, ANSI-stripped
	LogPath          string
	TokensIn         int64
	TokensOut        int64
	TokensCacheRead  int64
	TokensCacheWrite int64
}

// TotalTokens returns the invocation's token count across all classes.
func (r Result) TotalTokens() int64 {
	return r.TokensIn + r.TokensOut + r.TokensCacheRead + r.TokensCacheWrite
}

// Invoker runs agent invocations. Implementations must be safe for
// concurrent use; parallel build batches share one Invoker.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
	Close() error
}

// ConfigError marks a failure caused by agent/model misconfiguration
// (unknown model, missing provider, bad credentials). Retrying with the
// same configuration always fails, so the pipeline stops immediately.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("agent configuration error (non-retriable): %s", e.Detail)
}
