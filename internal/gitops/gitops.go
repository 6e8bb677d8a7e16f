// Package gitops maps task outcomes to git branch lifecycle operations:
// feature branches off develop, no-ff merges, task and milestone tags, and
// hard rollback on abandonment. When the roadmap does not opt in to git
// management, the coordinator does nothing at all.
package gitops

import (
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"

	"github.com/aristath/roadrunner/internal/roadmap"
)

const (
	mainBranch    = "main"
	developBranch = "develop"
)

// Coordinator serializes every git-mutating operation process-wide. Build
// phases may run in parallel, but interleaved git commands corrupt index
// state, so all calls funnel through one mutex.
type Coordinator struct {
	mu      sync.Mutex
	dir     string
	enabled bool
}

// New creates a coordinator for a project directory. With enabled false
// every method returns immediately without touching the filesystem.
func New(dir string, enabled bool) *Coordinator {
	return &Coordinator{dir: dir, enabled: enabled}
}

// Enabled reports whether git management is active.
func (c *Coordinator) Enabled() bool { return c.enabled }

// git runs one git command in the project directory and returns its
// combined output. The error carries the output for diagnostics.
func (c *Coordinator) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = c.dir
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		return out, fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, out)
	}
	return out, nil
}

func (c *Coordinator) hasRemote() bool {
	out, err := c.git("remote")
	return err == nil && out != ""
}

func (c *Coordinator) branchExists(name string) bool {
	_, err := c.git("rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// EnsureRepo initializes the repository on first use: git init, an empty
// root commit on main, and the develop branch all task work flows through.
// Idempotent on an already-initialized project.
func (c *Coordinator) EnsureRepo() error {
	if !c.enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.git("rev-parse", "--git-dir"); err != nil {
		if _, err := c.git("init", "-b", mainBranch); err != nil {
			return err
		}
		if _, err := c.git("commit", "--allow-empty", "-m", "Initial commit"); err != nil {
			return err
		}
	}
	if !c.branchExists(developBranch) {
		if _, err := c.git("branch", developBranch, mainBranch); err != nil {
			return err
		}
	}
	_, err := c.git("checkout", developBranch)
	return err
}

// StartTask creates (or resumes) feature/<slug> from develop and returns
// the branch name.
func (c *Coordinator) StartTask(t *roadmap.Task) (string, error) {
	if !c.enabled {
		return "", nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	branch := "feature/" + t.Slug()
	if c.branchExists(branch) {
		// Interrupted previous attempt: resume on the existing branch.
		_, err := c.git("checkout", branch)
		return branch, err
	}
	if _, err := c.git("checkout", "-b", branch, developBranch); err != nil {
		return "", err
	}
	return branch, nil
}

// FinishTask commits the task's work on its feature branch, merges it into
// develop with --no-ff, tags task-<NNN>, deletes the branch, and pushes
// when a remote exists. With a non-empty outputs list only those paths are
// staged; an empty list stages everything. Batches built in parallel leave
// HEAD on the last member's branch, so each task's branch is checked out
// again here and siblings' files stay out of its commit.
func (c *Coordinator) FinishTask(t *roadmap.Task, outputs []string) error {
	if !c.enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	branch := "feature/" + t.Slug()
	if _, err := c.git("checkout", branch); err != nil {
		return err
	}
	if len(outputs) > 0 {
		for _, out := range outputs {
			// A declared output the agent never created is not fatal here;
			// the acceptance checks already passed.
			if _, err := c.git("add", "--", out); err != nil {
				log.Printf("WARNING: staging %s for task %03d: %v", out, t.ID, err)
			}
		}
	} else if _, err := c.git("add", "-A"); err != nil {
		return err
	}
	// Commit only when the agent actually changed something.
	if _, err := c.git("diff", "--cached", "--quiet"); err != nil {
		msg := fmt.Sprintf("task %03d: %s", t.ID, t.Title)
		if _, err := c.git("commit", "-m", msg); err != nil {
			return err
		}
	}
	if _, err := c.git("checkout", developBranch); err != nil {
		return err
	}
	if _, err := c.git("merge", "--no-ff", branch, "-m",
		fmt.Sprintf("Merge %s", branch)); err != nil {
		return err
	}
	tag := fmt.Sprintf("task-%03d", t.ID)
	if _, err := c.git("tag", "-f", tag); err != nil {
		return err
	}
	if _, err := c.git("branch", "-d", branch); err != nil {
		// Merged already; force-delete rather than leave the branch behind.
		if _, err := c.git("branch", "-D", branch); err != nil {
			return err
		}
	}
	if c.hasRemote() {
		if _, err := c.git("push", "origin", developBranch, "--tags"); err != nil {
			// Push failures must not undo a completed local merge.
			log.Printf("WARNING: push failed after task %03d: %v", t.ID, err)
		}
	}
	return nil
}

// TagMilestone tags develop with v<version> and pushes the tag. The
// process-wide mutex guarantees it never interleaves with other git work.
func (c *Coordinator) TagMilestone(version string) error {
	if !c.enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.git("checkout", developBranch); err != nil {
		return err
	}
	tag := "v" + version
	if _, err := c.git("tag", "-f", tag); err != nil {
		return err
	}
	if c.hasRemote() {
		if _, err := c.git("push", "origin", tag); err != nil {
			log.Printf("WARNING: push failed for tag %s: %v", tag, err)
		}
	}
	return nil
}

// Rollback discards an abandoned task's work: hard-reset the feature
// branch, drop untracked files, return to develop, and delete the branch.
// Invoked only on the failed-to-abandoned edge.
func (c *Coordinator) Rollback(t *roadmap.Task) error {
	if !c.enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	branch := "feature/" + t.Slug()
	if _, err := c.git("reset", "--hard"); err != nil {
		return err
	}
	if _, err := c.git("clean", "-fd"); err != nil {
		return err
	}
	if _, err := c.git("checkout", developBranch); err != nil {
		return err
	}
	if c.branchExists(branch) {
		if _, err := c.git("branch", "-D", branch); err != nil {
			return err
		}
	}
	return nil
}

// DiscardChanges drops uncommitted work in place without touching
// branches. Used between failed attempts that stay on the same branch.
func (c *Coordinator) DiscardChanges() error {
	if !c.enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.git("reset", "--hard"); err != nil {
		return err
	}
	_, err := c.git("clean", "-fd")
	return err
}
