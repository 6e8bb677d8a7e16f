// Package ecosystem maps an ecosystem name to the shell commands the
// pipeline runs for its test, static-check, coverage, and dependency
// phases. The table is configuration, not logic; the pipeline treats the
// commands as opaque.
package ecosystem

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Commands is the per-ecosystem command set, each an argv slice.
type Commands struct {
	Deps     []string
	Test     []string
	Static   []string
	Coverage []string
}

var table = map[string]Commands{
	"python": {
		Deps:     []string{"uv", "sync"},
		Test:     []string{"uv", "run", "pytest", "-x", "-q"},
		Static:   []string{"uv", "run", "ruff", "check", "."},
		Coverage: []string{"uv", "run", "pytest", "--cov", "--cov-report=term", "-q"},
	},
	"deno": {
		Test:     []string{"deno", "test", "-A"},
		Static:   []string{"deno", "lint"},
		Coverage: []string{"deno", "test", "-A", "--coverage"},
	},
	"node": {
		Deps:     []string{"npm", "install"},
		Test:     []string{"npm", "test"},
		Static:   []string{"npx", "eslint", "."},
		Coverage: []string{"npm", "test", "--", "--coverage"},
	},
	"go": {
		Deps:     []string{"go", "mod", "tidy"},
		Test:     []string{"go", "test", "./..."},
		Static:   []string{"go", "vet", "./..."},
		Coverage: []string{"go", "test", "-cover", "./..."},
	},
	"rust": {
		Test:     []string{"cargo", "test"},
		Static:   []string{"cargo", "clippy", "--", "-D", "warnings"},
		Coverage: []string{"cargo", "tarpaulin", "--skip-clean"},
	},
}

// Lookup returns the command set for an ecosystem name.
func Lookup(name string) (Commands, bool) {
	c, ok := table[name]
	return c, ok
}

// Names returns the known ecosystem names, for validation messages.
func Names() []string {
	names := make([]string, 0, len(table))
	for n := range table {
		names = append(names, n)
	}
	return names
}

// markers maps a project file to the ecosystem it indicates, checked in
// a fixed precedence order.
var markers = []struct {
	file string
	name string
}{
	{"deno.json", "deno"},
	{"deno.jsonc", "deno"},
	{"go.mod", "go"},
	{"Cargo.toml", "rust"},
	{"pyproject.toml", "python"},
	{"package.json", "node"},
}

// Detect inspects a project directory for ecosystem marker files.
func Detect(dir string) (string, bool) {
	for _, m := range markers {
		if info, err := os.Stat(filepath.Join(dir, m.file)); err == nil && info.Mode().IsRegular() {
			return m.name, true
		}
	}
	return "", false
}

// commandTimeout bounds a single ecosystem command; test suites that hang
// should fail the phase rather than wedge the run.
const commandTimeout = 20 * time.Minute

// Runner shells ecosystem commands out in a project directory.
type Runner struct {
	Dir string
	Env []string // extra KEY=VALUE pairs appended to the environment
}

// Run executes one argv in the project directory, returning the combined
// output. A non-zero exit returns the output alongside the error so the
// pipeline can feed it to diagnostics and the fix loop.
func (r *Runner) Run(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
	}
	return string(out), nil
}

var percentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// ParseCoverage extracts the total coverage percentage from a coverage
// command's output. Every supported tool prints a trailing total line, so
// the last percentage in the output wins.
func ParseCoverage(output string) (float64, bool) {
	matches := percentRe.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
