package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/model"
	"github.com/taskflow/orchestrator/internal/storage"
)

// DeadlockDetector finds dependency cycles within a project
type DeadlockDetector struct {
	logger   *zap.Logger
	store    storage.TaskStore
	resolver *DependencyResolver
}

// NewDeadlockDetector creates a new deadlock detector
func NewDeadlockDetector(store storage.TaskStore, resolver *DependencyResolver, logger *zap.Logger) *DeadlockDetector {
	return &DeadlockDetector{
		logger:   logger.Named("deadlock-detector"),
		store:    store,
		resolver: resolver,
	}
}

// Detect returns the tasks forming the first cycle found in the project, or
// nil when the graph is acyclic.
func (d *DeadlockDetector) Detect(ctx context.Context, projectID int64) ([]*model.Task, error) {
	graph, err := d.resolver.projectGraph(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return d.detectIn(ctx, projectID, graph)
}

func (d *DeadlockDetector) detectIn(ctx context.Context, projectID int64, graph *projectGraph) ([]*model.Task, error) {
	cycle := graph.findCycle()
	if len(cycle) == 0 {
		return nil, nil
	}

	d.logger.Warn("Dependency cycle detected",
		zap.Int64("project_id", projectID),
		zap.Int64s("cycle", cycle))

	tasks := make([]*model.Task, 0, len(cycle))
	for _, id := range cycle {
		task, err := d.store.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrTaskNotFound) {
				d.logger.Debug("Skipping vanished task in cycle", zap.Int64("task_id", id))
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// findCycle runs a depth-first search from every unvisited node and returns
// the ids of the first cycle it closes, in dependency order.
func (g *projectGraph) findCycle() []int64 {
	visited := make(map[int64]bool, len(g.nodes))
	onStack := make(map[int64]bool)
	parent := make(map[int64]int64)

	var cycle []int64
	var visit func(id int64) bool
	visit = func(id int64) bool {
		visited[id] = true
		onStack[id] = true
		for _, next := range g.dependents[id] {
			if onStack[next] {
				cycle = []int64{id}
				for cur := id; cur != next; {
					cur = parent[cur]
					cycle = append(cycle, cur)
				}
				reverse(cycle)
				return true
			}
			if visited[next] {
				continue
			}
			parent[next] = id
			if visit(next) {
				return true
			}
		}
		onStack[id] = false
		return false
	}

	for _, id := range g.nodes {
		if !visited[id] && visit(id) {
			return cycle
		}
	}
	return nil
}

func reverse(ids []int64) {
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
}
