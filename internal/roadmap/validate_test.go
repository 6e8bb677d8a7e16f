package roadmap

import (
	"strings"
	"testing"
)

func task(id int, deps []int, outputs ...string) *Task {
	return &Task{
		ID:         id,
		Title:      "Task",
		DependsOn:  deps,
		Outputs:    outputs,
		Acceptance: "passes",
	}
}

func findIssue(issues []Issue, level, substr string) bool {
	for _, i := range issues {
		if i.Level == level && strings.Contains(i.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidateSingleRoot(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []*Task
		wantErr string
	}{
		{
			"two roots",
			[]*Task{task(1, nil, "a.go"), task(2, nil, "b.go")},
			"multiple root tasks",
		},
		{
			"no root",
			[]*Task{task(1, []int{1}, "a.go")},
			"no root task",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := Validate(&Roadmap{Tasks: tt.tasks})
			if !findIssue(issues, LevelError, tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, issues)
			}
		})
	}
}

func TestValidateForwardReference(t *testing.T) {
	r := &Roadmap{Tasks: []*Task{
		task(1, nil, "a.go"),
		task(2, []int{3}, "b.go"),
		task(3, []int{1}, "c.go"),
	}}
	issues := Validate(r)
	if !findIssue(issues, LevelError, "forward reference") {
		t.Errorf("expected forward-reference error, got %v", issues)
	}
}

func TestValidateSelfDependency(t *testing.T) {
	r := &Roadmap{Tasks: []*Task{
		task(1, nil, "a.go"),
		task(2, []int{2}, "b.go"),
	}}
	issues := Validate(r)
	if !findIssue(issues, LevelError, "depends on itself") {
		t.Errorf("expected self-dependency error, got %v", issues)
	}
}

func TestValidateDisjointOutputs(t *testing.T) {
	r := &Roadmap{Tasks: []*Task{
		task(1, nil, "base.go"),
		task(2, []int{1}, "shared.go", "two.go"),
		task(3, []int{1}, "shared.go", "three.go"),
	}}
	issues := Validate(r)
	if !findIssue(issues, LevelError, "share outputs") {
		t.Errorf("expected disjoint-outputs error, got %v", issues)
	}
}

func TestValidateDisjointOutputsDifferentDepSets(t *testing.T) {
	// Overlapping outputs are fine when the tasks can never run in the same
	// batch (their dependency sets differ).
	r := &Roadmap{Tasks: []*Task{
		task(1, nil, "base.go"),
		task(2, []int{1}, "shared.go"),
		task(3, []int{1, 2}, "shared.go"),
	}}
	issues := Validate(r)
	if findIssue(issues, LevelError, "share outputs") {
		t.Errorf("unexpected disjoint-outputs error: %v", issues)
	}
}

func TestValidateNumbering(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []*Task
		wantErr string
	}{
		{"duplicate", []*Task{task(1, nil, "a"), task(1, []int{1}, "b")}, "duplicate task number"},
		{"gap", []*Task{task(1, nil, "a"), task(3, []int{1}, "b")}, "gap"},
		{"out of range", []*Task{task(0, nil, "a")}, "range 1-999"},
		{"empty", nil, "no tasks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := Validate(&Roadmap{Tasks: tt.tasks})
			if !findIssue(issues, LevelError, tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, issues)
			}
		})
	}
}

func TestValidateRequiredFields(t *testing.T) {
	missing := &Task{ID: 2, Title: "No outputs", DependsOn: []int{1}}
	r := &Roadmap{Tasks: []*Task{task(1, nil, "a.go"), missing}}
	issues := Validate(r)
	if !findIssue(issues, LevelError, "'outputs'") {
		t.Errorf("expected missing-outputs error, got %v", issues)
	}
	if !findIssue(issues, LevelError, "'acceptance'") {
		t.Errorf("expected missing-acceptance error, got %v", issues)
	}
}

func TestValidateMilestoneExempt(t *testing.T) {
	milestone := &Task{ID: 2, Title: "Release one", Agent: KindMilestone,
		DependsOn: []int{1}, Version: "1.0.0"}
	r := &Roadmap{Tasks: []*Task{task(1, nil, "a.go"), milestone}}
	issues := Validate(r)
	if HasErrors(issues) {
		t.Errorf("milestone should not need outputs/acceptance, got %v", issues)
	}
}

func TestValidateTitleLimit(t *testing.T) {
	long := task(2, []int{1}, "b.go")
	long.Title = "one two three four five six seven"
	r := &Roadmap{Tasks: []*Task{task(1, nil, "a.go"), long}}
	issues := Validate(r)
	if !findIssue(issues, LevelError, "words") {
		t.Errorf("expected title word-limit error, got %v", issues)
	}
}

func TestValidateWarningsDoNotBlock(t *testing.T) {
	odd := task(2, []int{1}, "b.go")
	odd.Agent = "wizard"
	r := &Roadmap{Tasks: []*Task{task(1, nil, "a.go"), odd}}
	issues := Validate(r)
	if !findIssue(issues, LevelWarning, "unknown agent") {
		t.Errorf("expected unknown-agent warning, got %v", issues)
	}
	if HasErrors(issues) {
		t.Errorf("warnings alone should not produce errors: %v", issues)
	}
}

func TestValidateArchitecture(t *testing.T) {
	render := task(2, []int{1}, "src/render/view.go")
	core := task(3, []int{1, 2}, "src/core/engine.go")
	r := &Roadmap{Tasks: []*Task{task(1, nil, "a.go"), render, core}}
	issues := Validate(r)
	if !findIssue(issues, LevelError, "architecture violation") {
		t.Errorf("expected architecture error, got %v", issues)
	}
}
