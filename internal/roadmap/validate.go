package roadmap

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Issue level constants.
const (
	LevelError   = "ERROR"
	LevelWarning = "WARNING"
)

// Issue is a single validation finding, tagged with the task it concerns
// ("global" or "preamble" for document-level findings).
type Issue struct {
	Level   string
	Task    string
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] task %s: %s", i.Level, i.Task, i.Message)
}

// ValidationError aggregates the issues that made a roadmap unusable.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	n := 0
	for _, i := range e.Issues {
		if i.Level == LevelError {
			n++
		}
	}
	return fmt.Sprintf("roadmap validation failed with %d error(s)", n)
}

// HasErrors reports whether any issue is an error (warnings alone pass).
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Level == LevelError {
			return true
		}
	}
	return false
}

// MaxTitleWords bounds task titles; titles become git branch slugs.
const MaxTitleWords = 6

// archRules maps protected output prefixes to the prefixes their
// dependencies must not write to.
var archRules = map[string][]string{
	"src/core/":    {"src/render/"},
	"src/content/": {"src/render/"},
}

type checkFunc func(*Roadmap) []Issue

var checks = []struct {
	name string
	fn   checkFunc
}{
	{"Preamble ecosystem", checkPreamble},
	{"Deploy block", checkDeployBlock},
	{"Task numbering", checkNumbering},
	{"Required fields", checkFields},
	{"Title word limit", checkTitles},
	{"depends_on refs", checkDependsOn},
	{"Single root task", checkSingleRoot},
	{"Disjoint parallel outputs", checkDisjointOutputs},
	{"Architecture rules", checkArchitecture},
}

// Validate runs every structural check and returns all findings. Errors make
// the roadmap unusable; warnings do not block execution.
func Validate(r *Roadmap) []Issue {
	var issues []Issue
	for _, c := range checks {
		issues = append(issues, c.fn(r)...)
	}
	return issues
}

// CheckNames returns the ordered check names, for validation report output.
func CheckNames() []string {
	names := make([]string, len(checks))
	for i, c := range checks {
		names[i] = c.name
	}
	return names
}

// ValidateByCheck runs the checks individually, preserving their order, so a
// report can show per-check pass/warn/fail status.
func ValidateByCheck(r *Roadmap) map[string][]Issue {
	out := make(map[string][]Issue, len(checks))
	for _, c := range checks {
		out[c.name] = c.fn(r)
	}
	return out
}

func tag(id int) string { return fmt.Sprintf("%03d", id) }

func checkPreamble(r *Roadmap) []Issue {
	var issues []Issue
	if r.Ecosystem != "" && !ValidEcosystems[r.Ecosystem] {
		issues = append(issues, Issue{LevelWarning, "preamble",
			fmt.Sprintf("unknown ecosystem %q", r.Ecosystem)})
	}
	return issues
}

func checkDeployBlock(r *Roadmap) []Issue {
	var issues []Issue
	if r.Deploy != nil && r.Deploy.Script == "" && len(r.Deploy.Env) == 0 && r.Deploy.Enabled == nil {
		issues = append(issues, Issue{LevelWarning, "preamble",
			"deploy block is empty; omit it or set enabled/script/env"})
	}
	return issues
}

func checkNumbering(r *Roadmap) []Issue {
	var issues []Issue
	if len(r.Tasks) == 0 {
		return []Issue{{LevelError, "000", "no tasks found"}}
	}
	seen := make(map[int]bool)
	for _, t := range r.Tasks {
		if t.ID < 1 || t.ID > 999 {
			issues = append(issues, Issue{LevelError, tag(t.ID),
				"task id must be in the range 1-999"})
		}
		if seen[t.ID] {
			issues = append(issues, Issue{LevelError, tag(t.ID),
				fmt.Sprintf("duplicate task number %s", tag(t.ID))})
		}
		seen[t.ID] = true
	}
	nums := make([]int, 0, len(seen))
	for n := range seen {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	for want := nums[0]; want <= nums[len(nums)-1]; want++ {
		if !seen[want] {
			issues = append(issues, Issue{LevelError, tag(want),
				fmt.Sprintf("gap: task %s is missing", tag(want))})
		}
	}
	return issues
}

func checkFields(r *Roadmap) []Issue {
	var issues []Issue
	for _, t := range r.Tasks {
		id := tag(t.ID)
		if t.Agent != "" && !ValidKinds[t.Agent] {
			issues = append(issues, Issue{LevelWarning, id,
				fmt.Sprintf("unknown agent %q", t.Agent)})
		}
		if t.Ecosystem != "" && !ValidEcosystems[t.Ecosystem] {
			issues = append(issues, Issue{LevelWarning, id,
				fmt.Sprintf("unknown ecosystem override %q", t.Ecosystem)})
		}
		for _, key := range t.unknownFields {
			issues = append(issues, Issue{LevelWarning, id,
				fmt.Sprintf("unknown task field %q", key)})
		}
		if t.IsMilestone() {
			continue // milestones carry neither outputs nor acceptance
		}
		if len(t.Outputs) == 0 {
			issues = append(issues, Issue{LevelError, id,
				"missing required 'outputs' field"})
		}
		if strings.TrimSpace(t.Acceptance) == "" {
			issues = append(issues, Issue{LevelError, id,
				"missing required 'acceptance' field"})
		}
	}
	return issues
}

var titleCharRe = regexp.MustCompile(`[^a-zA-Z0-9 \-/+]`)

func checkTitles(r *Roadmap) []Issue {
	var issues []Issue
	for _, t := range r.Tasks {
		id := tag(t.ID)
		if n := len(strings.Fields(t.Title)); n > MaxTitleWords {
			issues = append(issues, Issue{LevelError, id,
				fmt.Sprintf("title is %d words (max %d): %q", n, MaxTitleWords, t.Title)})
		}
		if titleCharRe.MatchString(t.Title) {
			issues = append(issues, Issue{LevelWarning, id,
				fmt.Sprintf("title contains characters that may not survive branch-name slugification: %q", t.Title)})
		}
	}
	return issues
}

func checkDependsOn(r *Roadmap) []Issue {
	var issues []Issue
	all := make(map[int]bool, len(r.Tasks))
	for _, t := range r.Tasks {
		all[t.ID] = true
	}
	for _, t := range r.Tasks {
		id := tag(t.ID)
		for _, ref := range t.DependsOn {
			switch {
			case ref == t.ID:
				issues = append(issues, Issue{LevelError, id, "task depends on itself"})
			case !all[ref]:
				issues = append(issues, Issue{LevelError, id,
					fmt.Sprintf("depends_on %s references a non-existent task", tag(ref))})
			case ref > t.ID:
				issues = append(issues, Issue{LevelError, id,
					fmt.Sprintf("depends_on %s is a forward reference (later than %s)", tag(ref), id)})
			}
		}
	}
	return issues
}

func checkSingleRoot(r *Roadmap) []Issue {
	var roots []int
	for _, t := range r.Tasks {
		if t.IsRoot() {
			roots = append(roots, t.ID)
		}
	}
	switch {
	case len(r.Tasks) == 0:
		return nil
	case len(roots) == 0:
		return []Issue{{LevelError, "global",
			"no root task found; exactly one task must have depends_on: []"}}
	case len(roots) > 1:
		ids := make([]string, len(roots))
		for i, n := range roots {
			ids[i] = tag(n)
		}
		return []Issue{{LevelError, "global",
			fmt.Sprintf("multiple root tasks (depends_on: []): %s", strings.Join(ids, ", "))}}
	}
	return nil
}

// checkDisjointOutputs ensures tasks that share an identical dependency set
// (and so may run in the same parallel batch) never write the same file.
func checkDisjointOutputs(r *Roadmap) []Issue {
	var issues []Issue
	groups := make(map[string][]*Task)
	for _, t := range r.Tasks {
		deps := append([]int(nil), t.DependsOn...)
		sort.Ints(deps)
		key := fmt.Sprint(deps)
		groups[key] = append(groups[key], t)
	}
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		for i, a := range group {
			aOut := make(map[string]bool, len(a.Outputs))
			for _, o := range a.Outputs {
				aOut[o] = true
			}
			for _, b := range group[i+1:] {
				var shared []string
				for _, o := range b.Outputs {
					if aOut[o] {
						shared = append(shared, o)
					}
				}
				if len(shared) > 0 {
					sort.Strings(shared)
					issues = append(issues, Issue{LevelError, tag(a.ID),
						fmt.Sprintf("parallel tasks %s and %s share outputs: %s",
							tag(a.ID), tag(b.ID), strings.Join(shared, ", "))})
				}
			}
		}
	}
	return issues
}

func outputNamespaces(t *Task) map[string]bool {
	ns := make(map[string]bool)
	prefixes := make([]string, 0, len(archRules))
	for p, forbidden := range archRules {
		prefixes = append(prefixes, p)
		prefixes = append(prefixes, forbidden...)
	}
	for _, out := range t.Outputs {
		for _, p := range prefixes {
			if strings.HasPrefix(out, p) {
				ns[p] = true
			}
		}
	}
	return ns
}

func checkArchitecture(r *Roadmap) []Issue {
	var issues []Issue
	byID := make(map[int]*Task, len(r.Tasks))
	for _, t := range r.Tasks {
		byID[t.ID] = t
	}
	for _, t := range r.Tasks {
		myNS := outputNamespaces(t)
		for protected, forbiddenList := range archRules {
			if !myNS[protected] {
				continue
			}
			for _, dep := range t.DependsOn {
				depTask, ok := byID[dep]
				if !ok {
					continue
				}
				depNS := outputNamespaces(depTask)
				for _, forbidden := range forbiddenList {
					if depNS[forbidden] {
						issues = append(issues, Issue{LevelError, tag(t.ID),
							fmt.Sprintf("architecture violation: %q task %s depends on %q task %s",
								protected, tag(t.ID), forbidden, tag(dep))})
					}
				}
			}
		}
	}
	return issues
}
