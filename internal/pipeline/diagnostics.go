package pipeline

import (
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aristath/roadrunner/internal/jsonio"
	"github.com/aristath/roadrunner/internal/roadmap"
)

// FailureReport is the structured JSON record written when a task is
// abandoned, so the operator can see what went wrong without log digging.
type FailureReport struct {
	Task        string    `json:"task"`
	Project     string    `json:"project"`
	Timestamp   time.Time `json:"timestamp"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	FailingTest string    `json:"failing_test,omitempty"`
	TokensSpent int64     `json:"tokens_spent"`
}

// SaveFailureReport writes the report under logs/<slug>/failure_report.json
// and returns its path. Report-writing failures are logged, not fatal; the
// abandonment itself is already durable in the run state.
func SaveFailureReport(projectDir, projectName string, t *roadmap.Task, attempts int, fixLogs string, tokens int64) string {
	report := FailureReport{
		Task:        t.Heading(),
		Project:     projectName,
		Timestamp:   time.Now().UTC(),
		Attempts:    attempts,
		LastError:   ExtractError(fixLogs),
		FailingTest: ExtractFailingTest(fixLogs),
		TokensSpent: tokens,
	}
	dir := filepath.Join(projectDir, "logs", t.Slug())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("WARNING: creating failure report dir: %v", err)
		return ""
	}
	path := filepath.Join(dir, "failure_report.json")
	if err := jsonio.WriteAtomic(path, report); err != nil {
		log.Printf("WARNING: writing failure report: %v", err)
		return ""
	}
	return path
}

var errorPatterns = []*regexp.Regexp{
	// Python tracebacks: the last line names the exception.
	regexp.MustCompile(`((?:TypeError|ValueError|AttributeError|ImportError|KeyError|NameError|` +
		`RuntimeError|AssertionError|ModuleNotFoundError|FileNotFoundError|` +
		`IndexError|ZeroDivisionError|StopIteration|RecursionError|` +
		`PermissionError|NotImplementedError|SyntaxError|IndentationError):.+)`),
	// Node/Deno errors.
	regexp.MustCompile(`((?:Error|TypeError|ReferenceError|SyntaxError):.+)`),
	// Generic FAILED line.
	regexp.MustCompile(`(FAILED .+)`),
}

// ExtractError pulls the most relevant error line from test output,
// falling back to the last non-empty line.
func ExtractError(output string) string {
	if output == "" {
		return ""
	}
	for _, pattern := range errorPatterns {
		if m := pattern.FindStringSubmatch(output); m != nil {
			return clip(strings.TrimSpace(m[1]), 500)
		}
	}
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return clip(line, 500)
		}
	}
	return ""
}

var failingTestPatterns = []*regexp.Regexp{
	regexp.MustCompile(`FAILED\s+(\S+::\S+)`),            // pytest
	regexp.MustCompile(`(\S+::\S+)\s+FAILED`),            // pytest short form
	regexp.MustCompile(`test\s+(.+?)\s+\.\.\.\s+FAILED`), // deno
	regexp.MustCompile(`--- FAIL: (\S+)`),                // go test
}

// ExtractFailingTest pulls the failing test's name from test output.
func ExtractFailingTest(output string) string {
	for _, pattern := range failingTestPatterns {
		if m := pattern.FindStringSubmatch(output); m != nil {
			return m[1]
		}
	}
	return ""
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// tailLines returns the last n lines of output, for fix prompts that must
// stay within a sane size.
func tailLines(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[len(s)-maxBytes:]
}
