package gitops

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aristath/roadrunner/internal/roadmap"
)

func gitTestRepo(t *testing.T) *Coordinator {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	// Identity config for commits, without touching the user's global config.
	cfg := filepath.Join(t.TempDir(), "gitconfig")
	if err := os.WriteFile(cfg, []byte("[user]\n\tname = test\n\temail = test@example.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GIT_CONFIG_GLOBAL", cfg)
	t.Setenv("GIT_CONFIG_SYSTEM", os.DevNull)

	c := New(t.TempDir(), true)
	if err := c.EnsureRepo(); err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}
	return c
}

func TestDisabledCoordinatorIsInert(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, false)

	task := &roadmap.Task{ID: 1, Title: "Init"}
	if err := c.EnsureRepo(); err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}
	if branch, err := c.StartTask(task); err != nil || branch != "" {
		t.Errorf("StartTask = %q, %v", branch, err)
	}
	if err := c.FinishTask(task, nil); err != nil {
		t.Errorf("FinishTask: %v", err)
	}
	if err := c.Rollback(task); err != nil {
		t.Errorf("Rollback: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); !os.IsNotExist(err) {
		t.Error("disabled coordinator created a git repository")
	}
}

func TestEnsureRepoIdempotent(t *testing.T) {
	c := gitTestRepo(t)
	if err := c.EnsureRepo(); err != nil {
		t.Fatalf("second EnsureRepo: %v", err)
	}
	out, err := c.git("branch", "--list")
	if err != nil {
		t.Fatalf("branch list: %v", err)
	}
	for _, want := range []string{"main", "develop"} {
		if !strings.Contains(out, want) {
			t.Errorf("branch %q missing:\n%s", want, out)
		}
	}
}

func TestTaskLifecycle(t *testing.T) {
	c := gitTestRepo(t)
	task := &roadmap.Task{ID: 3, Title: "Parse config"}

	branch, err := c.StartTask(task)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if branch != "feature/003-parse-config" {
		t.Errorf("branch = %q", branch)
	}

	if err := os.WriteFile(filepath.Join(c.dir, "config.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.FinishTask(task, nil); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}

	if c.branchExists(branch) {
		t.Error("feature branch survived FinishTask")
	}
	if current, _ := c.git("branch", "--show-current"); current != "develop" {
		t.Errorf("current branch = %q, want develop", current)
	}
	tags, _ := c.git("tag", "--list")
	if !strings.Contains(tags, "task-003") {
		t.Errorf("tag task-003 missing:\n%s", tags)
	}
	if _, err := c.git("cat-file", "-e", "develop:config.go"); err != nil {
		t.Errorf("merged file missing on develop: %v", err)
	}
}

// Parallel dispatch starts every batch member's branch up front, leaving
// HEAD on the last one. Each FinishTask must still commit only its own
// task's files, on its own branch.
func TestBatchCommitAttribution(t *testing.T) {
	c := gitTestRepo(t)
	parser := &roadmap.Task{ID: 2, Title: "Add parser",
		Outputs: roadmap.StringList{"parser.py"}}
	render := &roadmap.Task{ID: 3, Title: "Add renderer",
		Outputs: roadmap.StringList{"render.py"}}

	for _, task := range []*roadmap.Task{parser, render} {
		if _, err := c.StartTask(task); err != nil {
			t.Fatalf("StartTask %03d: %v", task.ID, err)
		}
	}
	for _, name := range []string{"parser.py", "render.py"} {
		if err := os.WriteFile(filepath.Join(c.dir, name), []byte("pass\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.FinishTask(parser, []string{"parser.py"}); err != nil {
		t.Fatalf("FinishTask parser: %v", err)
	}
	if err := c.FinishTask(render, nil); err != nil {
		t.Fatalf("FinishTask render: %v", err)
	}

	// Each task-NNN merge must bring in exactly that task's files.
	merged := func(tag string) string {
		t.Helper()
		out, err := c.git("diff", "--name-only", tag+"^", tag)
		if err != nil {
			t.Fatalf("diff %s: %v", tag, err)
		}
		return out
	}
	if got := merged("task-002"); !strings.Contains(got, "parser.py") || strings.Contains(got, "render.py") {
		t.Errorf("task-002 merged files = %q, want parser.py only", got)
	}
	if got := merged("task-003"); !strings.Contains(got, "render.py") || strings.Contains(got, "parser.py") {
		t.Errorf("task-003 merged files = %q, want render.py only", got)
	}
	for _, name := range []string{"parser.py", "render.py"} {
		if _, err := c.git("cat-file", "-e", "develop:"+name); err != nil {
			t.Errorf("%s missing on develop: %v", name, err)
		}
	}
}

func TestRollback(t *testing.T) {
	c := gitTestRepo(t)
	task := &roadmap.Task{ID: 2, Title: "Broken work"}

	branch, err := c.StartTask(task)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, "broken.go"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.Rollback(task); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if c.branchExists(branch) {
		t.Error("feature branch survived rollback")
	}
	if _, err := os.Stat(filepath.Join(c.dir, "broken.go")); !os.IsNotExist(err) {
		t.Error("untracked file survived rollback")
	}
	if current, _ := c.git("branch", "--show-current"); current != "develop" {
		t.Errorf("current branch = %q, want develop", current)
	}
}

func TestTagMilestone(t *testing.T) {
	c := gitTestRepo(t)
	if err := c.TagMilestone("0.2.0"); err != nil {
		t.Fatalf("TagMilestone: %v", err)
	}
	tags, _ := c.git("tag", "--list")
	if !strings.Contains(tags, "v0.2.0") {
		t.Errorf("tag v0.2.0 missing:\n%s", tags)
	}
}

func TestStartTaskResumesExistingBranch(t *testing.T) {
	c := gitTestRepo(t)
	task := &roadmap.Task{ID: 5, Title: "Resumable work"}

	first, err := c.StartTask(task)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if _, err := c.git("checkout", "develop"); err != nil {
		t.Fatal(err)
	}
	second, err := c.StartTask(task)
	if err != nil {
		t.Fatalf("second StartTask: %v", err)
	}
	if first != second {
		t.Errorf("branches differ: %q vs %q", first, second)
	}
}
