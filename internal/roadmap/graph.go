package roadmap

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

// CycleError reports a dependency cycle that survived field validation.
// Structurally the no-forward-reference rule excludes cycles, but malformed
// input (duplicate ids, hand-edited state) can still produce one, so the
// graph always runs an explicit topological check.
type CycleError struct {
	Detail string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("roadmap contains a dependency cycle: %s", e.Detail)
}

// Graph is the immutable dependency graph built from a validated roadmap.
// Adjacency indices are built once at construction so dependency and
// dependent lookups are O(1).
type Graph struct {
	Roadmap *Roadmap

	tasks      map[int]*Task
	dependents map[int][]int
	order      []int // topological order from the defensive sort
}

// NewGraph builds the adjacency indices and runs the defensive cycle check.
func NewGraph(r *Roadmap) (*Graph, error) {
	g := &Graph{
		Roadmap:    r,
		tasks:      make(map[int]*Task, len(r.Tasks)),
		dependents: make(map[int][]int),
	}
	for _, t := range r.Tasks {
		if _, exists := g.tasks[t.ID]; exists {
			return nil, fmt.Errorf("duplicate task id %d", t.ID)
		}
		g.tasks[t.ID] = t
		for _, dep := range t.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}

	var edges []toposort.Edge
	for _, t := range r.Tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}
	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &CycleError{Detail: err.Error()}
	}
	for _, id := range sorted {
		if id != nil {
			g.order = append(g.order, id.(int))
		}
	}
	if len(g.order) != len(g.tasks) {
		return nil, &CycleError{Detail: fmt.Sprintf(
			"topological sort covered %d of %d tasks", len(g.order), len(g.tasks))}
	}
	return g, nil
}

// Task returns the task with the given id.
func (g *Graph) Task(id int) (*Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Tasks returns all tasks in ascending id order.
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the task count.
func (g *Graph) Len() int { return len(g.tasks) }

// Root returns the single task with an empty dependency set.
func (g *Graph) Root() *Task {
	for _, t := range g.tasks {
		if t.IsRoot() {
			return t
		}
	}
	return nil
}

// Dependencies returns the ids a task depends on.
func (g *Graph) Dependencies(id int) []int {
	t, ok := g.tasks[id]
	if !ok {
		return nil
	}
	return append([]int(nil), t.DependsOn...)
}

// Dependents returns the ids of tasks that depend on the given task.
func (g *Graph) Dependents(id int) []int {
	return append([]int(nil), g.dependents[id]...)
}

// Order returns the topologically sorted task ids.
func (g *Graph) Order() []int {
	return append([]int(nil), g.order...)
}

// Layers partitions tasks by topological depth: the root is layer 0 and
// every other task sits one past its deepest dependency. Ids within a layer
// are sorted ascending.
func (g *Graph) Layers() [][]int {
	depth := make(map[int]int, len(g.tasks))
	maxDepth := 0
	// g.order guarantees dependencies are visited before dependents.
	for _, id := range g.order {
		t := g.tasks[id]
		d := 0
		for _, dep := range t.DependsOn {
			if dd := depth[dep] + 1; dd > d {
				d = dd
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}
	layers := make([][]int, maxDepth+1)
	for id, d := range depth {
		layers[d] = append(layers[d], id)
	}
	for _, layer := range layers {
		sort.Ints(layer)
	}
	return layers
}
