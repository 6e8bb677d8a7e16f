// Package scheduler decides what runs next: it promotes tasks whose
// dependencies completed, groups parallel-safe tasks into batches, and
// drives the pipeline machine until the roadmap is exhausted or the
// budget halts the run.
package scheduler

import (
	"sort"
	"strconv"
	"strings"

	"github.com/aristath/roadrunner/internal/roadmap"
	"github.com/aristath/roadrunner/internal/state"
)

// depKey canonicalizes a task's dependency set. Only tasks with the same
// key may share a batch: identical inputs mean their work cannot depend
// on each other, and validation already guarantees disjoint outputs.
func depKey(t *roadmap.Task) string {
	deps := append([]int(nil), t.DependsOn...)
	sort.Ints(deps)
	parts := make([]string, len(deps))
	for i, d := range deps {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// solo reports whether a task must run alone: the roadmap root (it
// scaffolds the project), milestones (they gate on the whole tree), and
// review-gated tasks (a human decision should see one change at a time).
func solo(g *roadmap.Graph, t *roadmap.Task) bool {
	return t.IsRoot() || t.IsMilestone() || g.Roadmap.ReviewEnabled(t)
}

// Batches groups the currently-ready tasks into dispatch batches, in
// topological order. Batch size never exceeds maxParallel.
func Batches(g *roadmap.Graph, st *state.Store, maxParallel int) [][]*roadmap.Task {
	if maxParallel < 1 {
		maxParallel = 1
	}
	var batches [][]*roadmap.Task
	index := make(map[string]int) // depKey -> open batch position

	for _, id := range g.Order() {
		if st.Status(id) != state.StatusReady {
			continue
		}
		t, _ := g.Task(id)
		if solo(g, t) {
			batches = append(batches, []*roadmap.Task{t})
			continue
		}
		key := depKey(t)
		if pos, ok := index[key]; ok && len(batches[pos]) < maxParallel {
			batches[pos] = append(batches[pos], t)
			continue
		}
		batches = append(batches, []*roadmap.Task{t})
		index[key] = len(batches) - 1
	}
	return batches
}

// promote flips blocked tasks to ready once every dependency is done.
func promote(g *roadmap.Graph, st *state.Store) error {
	for _, t := range g.Tasks() {
		if st.Status(t.ID) != state.StatusBlocked {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if st.Status(dep) != state.StatusDone {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if err := st.Mark(t.ID, state.StatusReady, state.Update{}); err != nil {
			return err
		}
	}
	return nil
}
