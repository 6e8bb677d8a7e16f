// Package roadmap parses and validates ROADMAP.json task graphs and exposes
// topological queries (layers, dependents, dependencies) used by the scheduler.
package roadmap

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Kind is the agent kind declared on a task. Empty means "build".
type Kind string

const (
	KindBuild     Kind = "build"
	KindMilestone Kind = "milestone"
	KindPlan      Kind = "plan"
	KindArchitect Kind = "architect"
	KindFix       Kind = "fix"
	KindTest      Kind = "test"
	KindDocument  Kind = "document"
	KindExplore   Kind = "explore"
)

// ValidKinds lists every recognised agent kind.
var ValidKinds = map[Kind]bool{
	KindBuild: true, KindMilestone: true, KindPlan: true, KindArchitect: true,
	KindFix: true, KindTest: true, KindDocument: true, KindExplore: true,
}

// ValidEcosystems lists the ecosystems the command table knows about.
var ValidEcosystems = map[string]bool{
	"python": true, "deno": true, "node": true, "go": true, "rust": true,
}

// Text is a JSON field that may be a single string or a list of strings;
// lists are joined with newlines.
type Text string

// UnmarshalJSON accepts both `"str"` and `["a","b"]` forms.
func (t *Text) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = Text(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("expected string or string array: %w", err)
	}
	*t = Text(strings.Join(list, "\n"))
	return nil
}

// StringList is a JSON field that may be a list of strings or a single
// comma-separated string.
type StringList []string

// UnmarshalJSON accepts both `["a","b"]` and `"a, b"` forms.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected string array or string: %w", err)
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*l = out
	return nil
}

// Task is one unit of work in the roadmap.
type Task struct {
	ID          int        `json:"id"`
	Title       string     `json:"title"`
	Agent       Kind       `json:"agent,omitempty"`
	Ecosystem   string     `json:"ecosystem,omitempty"`
	DependsOn   []int      `json:"depends_on"`
	Context     StringList `json:"context,omitempty"`
	Outputs     StringList `json:"outputs,omitempty"`
	Acceptance  string     `json:"acceptance,omitempty"`
	Version     string     `json:"version,omitempty"`
	Deploy      *bool      `json:"deploy,omitempty"`
	Review      *bool      `json:"review,omitempty"`
	Description Text       `json:"description,omitempty"`

	// Unknown keys found during parsing, kept for validation warnings.
	unknownFields []string
}

// Heading returns the canonical "## NNN - Title" form used in logs, git
// commits, and state records.
func (t *Task) Heading() string {
	return fmt.Sprintf("## %03d - %s", t.ID, t.Title)
}

// IsMilestone reports whether the task uses the milestone agent kind.
func (t *Task) IsMilestone() bool { return t.Agent == KindMilestone }

// IsRoot reports whether the task has an empty dependency set.
func (t *Task) IsRoot() bool { return len(t.DependsOn) == 0 }

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug returns a branch-safe lowercase slug, e.g. "003-parse-config".
func (t *Task) Slug() string {
	s := strings.ToLower(fmt.Sprintf("%03d %s", t.ID, t.Title))
	return strings.Trim(slugRe.ReplaceAllString(s, "-"), "-")
}

// GitConfig is the top-level "git" block.
type GitConfig struct {
	Enabled bool `json:"enabled"`
}

// NotifyConfig is the top-level "notify" block.
type NotifyConfig struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
}

// DeployConfig is the top-level "deploy" block.
type DeployConfig struct {
	Enabled *bool             `json:"enabled,omitempty"`
	Script  string            `json:"script,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// DeployEnabled reports whether the deploy block enables deployment.
// An absent "enabled" key defaults to true, matching the block's intent:
// declaring a deploy block opts in.
func (d *DeployConfig) DeployEnabled() bool {
	if d == nil {
		return false
	}
	if d.Enabled == nil {
		return true
	}
	return *d.Enabled
}

// Roadmap is the parsed top-level ROADMAP.json document.
type Roadmap struct {
	Name        string        `json:"name"`
	Ecosystem   string        `json:"ecosystem,omitempty"`
	Preamble    Text          `json:"preamble,omitempty"`
	Git         *GitConfig    `json:"git,omitempty"`
	Review      bool          `json:"review,omitempty"`
	MinCoverage *int          `json:"min_coverage,omitempty"`
	Notify      *NotifyConfig `json:"notify,omitempty"`
	Deploy      *DeployConfig `json:"deploy,omitempty"`
	Tasks       []*Task       `json:"tasks"`
}

// GitManaged reports whether the project opts in to runner-managed git.
func (r *Roadmap) GitManaged() bool {
	return r.Git != nil && r.Git.Enabled
}

// ReviewEnabled reports whether human review gates this task. The task-level
// flag overrides the project-level flag when present.
func (r *Roadmap) ReviewEnabled(t *Task) bool {
	if t != nil && t.Review != nil {
		return *t.Review
	}
	return r.Review
}

// DeployGated reports whether the deploy hook should run after this task's
// commit: the project deploy block must be enabled and the task must carry
// "deploy": true.
func (r *Roadmap) DeployGated(t *Task) bool {
	if !r.Deploy.DeployEnabled() {
		return false
	}
	return t.Deploy != nil && *t.Deploy
}

// Parse decodes a ROADMAP.json document. It records unknown task fields for
// the validator but does not run validation itself; callers that need a
// usable graph should use Load.
func Parse(data []byte) (*Roadmap, error) {
	var r Roadmap
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &ValidationError{Issues: []Issue{{
			Level: LevelError, Task: "global",
			Message: fmt.Sprintf("invalid JSON: %v", err),
		}}}
	}

	// Second pass over the raw task objects to capture unrecognised keys.
	var raw struct {
		Tasks []map[string]json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(data, &raw); err == nil {
		for i, obj := range raw.Tasks {
			if i >= len(r.Tasks) {
				break
			}
			for key := range obj {
				if !knownTaskFields[key] {
					r.Tasks[i].unknownFields = append(r.Tasks[i].unknownFields, key)
				}
			}
		}
	}
	return &r, nil
}

// Load reads, parses, and validates a roadmap file and builds the dependency
// graph. Validation errors (not warnings) make Load fail.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roadmap: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, err
	}
	issues := Validate(r)
	if HasErrors(issues) {
		return nil, &ValidationError{Issues: issues}
	}
	return NewGraph(r)
}

var knownTaskFields = map[string]bool{
	"id": true, "title": true, "agent": true, "ecosystem": true,
	"depends_on": true, "context": true, "outputs": true, "acceptance": true,
	"version": true, "description": true, "deploy": true, "review": true,
}
