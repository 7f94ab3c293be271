package scheduler

import (
	"sort"

	"github.com/taskflow/orchestrator/internal/model"
)

// projectGraph is a snapshot of one project's dependency graph. Edges run from
// a dependency to the tasks that depend on it. References to ids outside the
// project do not produce edges.
type projectGraph struct {
	nodes      []int64
	tasks      map[int64]*model.Task
	deps       map[int64][]int64
	dependents map[int64][]int64
}

func buildProjectGraph(tasks []*model.Task, depsOf func(*model.Task) []int64) *projectGraph {
	g := &projectGraph{
		tasks:      make(map[int64]*model.Task, len(tasks)),
		deps:       make(map[int64][]int64, len(tasks)),
		dependents: make(map[int64][]int64),
	}
	for _, task := range tasks {
		if _, seen := g.tasks[task.ID]; seen {
			continue
		}
		g.tasks[task.ID] = task
		g.nodes = append(g.nodes, task.ID)
	}
	sort.Slice(g.nodes, func(i, j int) bool { return g.nodes[i] < g.nodes[j] })

	for _, id := range g.nodes {
		deps := depsOf(g.tasks[id])
		g.deps[id] = deps
		for _, depID := range deps {
			if _, ok := g.tasks[depID]; !ok {
				continue
			}
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}
	return g
}

// blocking returns the ids that at least one non-completed task depends on
func (g *projectGraph) blocking() map[int64]bool {
	out := make(map[int64]bool)
	for depID, dependents := range g.dependents {
		for _, id := range dependents {
			if g.tasks[id].Status != model.TaskStatusCompleted {
				out[depID] = true
				break
			}
		}
	}
	return out
}
