package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/gammazero/toposort"
	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/model"
	"github.com/taskflow/orchestrator/internal/storage"
)

// DependencyResolver answers dependency questions against the task store
type DependencyResolver struct {
	logger *zap.Logger
	store  storage.TaskStore
}

// NewDependencyResolver creates a new dependency resolver
func NewDependencyResolver(store storage.TaskStore, logger *zap.Logger) *DependencyResolver {
	return &DependencyResolver{
		logger: logger.Named("dependency-resolver"),
		store:  store,
	}
}

// Dependencies returns the dependency ids declared by the task. A malformed
// declaration is logged and treated as no dependencies.
func (r *DependencyResolver) Dependencies(task *model.Task) []int64 {
	deps, err := task.DeclaredDependencies()
	if err != nil {
		r.logger.Warn("Ignoring malformed dependency declaration",
			zap.Int64("task_id", task.ID),
			zap.Int64("project_id", task.ProjectID),
			zap.Any("raw", task.Metadata[model.MetaDependencies]),
			zap.Error(err))
		return nil
	}
	return deps
}

// DependenciesSatisfied reports whether every id resolves to a completed task
// of the project. Unknown ids are not satisfied.
func (r *DependencyResolver) DependenciesSatisfied(ctx context.Context, projectID int64, depIDs []int64) (bool, error) {
	for _, depID := range depIDs {
		dep, err := r.store.GetTask(ctx, depID)
		if err != nil {
			if errors.Is(err, storage.ErrTaskNotFound) {
				r.logger.Debug("Dependency does not exist yet",
					zap.Int64("project_id", projectID),
					zap.Int64("dependency_id", depID))
				return false, nil
			}
			return false, fmt.Errorf("failed to load dependency %d: %w", depID, err)
		}
		if dep.ProjectID != projectID || dep.Status != model.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// ResolveOrder returns the task's declared dependencies as an execution plan
// in topological order of the whole project graph.
func (r *DependencyResolver) ResolveOrder(ctx context.Context, task *model.Task) ([]*model.Task, error) {
	declared := r.Dependencies(task)

	graph, err := r.projectGraph(ctx, task.ProjectID, task)
	if err != nil {
		return nil, err
	}

	order, err := graph.topoSort()
	if err != nil {
		r.logger.Warn("Project graph is not acyclic",
			zap.Int64("task_id", task.ID),
			zap.Int64("project_id", task.ProjectID),
			zap.Error(err))
		return nil, &DependencyError{
			TaskID:       task.ID,
			Dependencies: declared,
			Kind:         ErrCircularDependency,
		}
	}

	if len(declared) == 0 {
		return []*model.Task{}, nil
	}

	wanted := make(map[int64]bool, len(declared))
	for _, depID := range declared {
		if _, ok := graph.tasks[depID]; ok {
			wanted[depID] = true
			continue
		}
		kind := ErrDependencyNotFound
		if _, err := r.store.GetTask(ctx, depID); err == nil {
			kind = ErrProjectMismatch
		} else if !errors.Is(err, storage.ErrTaskNotFound) {
			return nil, fmt.Errorf("failed to load dependency %d: %w", depID, err)
		}
		return nil, &DependencyError{
			TaskID:       task.ID,
			Dependencies: declared,
			Kind:         kind,
		}
	}

	plan := make([]*model.Task, 0, len(wanted))
	for _, id := range order {
		if wanted[id] {
			plan = append(plan, graph.tasks[id])
		}
	}
	return plan, nil
}

// projectGraph loads the project and builds its dependency graph. Tasks in
// overlay take precedence over their stored version.
func (r *DependencyResolver) projectGraph(ctx context.Context, projectID int64, overlay ...*model.Task) (*projectGraph, error) {
	stored, err := r.store.GetTasksByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project %d: %w", projectID, err)
	}
	tasks := make([]*model.Task, 0, len(stored)+len(overlay))
	for _, task := range overlay {
		if task != nil && task.ProjectID == projectID {
			tasks = append(tasks, task)
		}
	}
	tasks = append(tasks, stored...)
	return buildProjectGraph(tasks, r.Dependencies), nil
}

// topoSort orders every node so dependencies come before dependents
func (g *projectGraph) topoSort() ([]int64, error) {
	edges := make([]toposort.Edge, 0, len(g.nodes))
	for _, id := range g.nodes {
		edges = append(edges, toposort.Edge{nil, id})
		for _, depID := range g.deps[id] {
			if _, ok := g.tasks[depID]; ok {
				edges = append(edges, toposort.Edge{depID, id})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, err
	}

	order := make([]int64, 0, len(g.nodes))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(int64))
		}
	}
	if len(order) < len(g.nodes) {
		return nil, fmt.Errorf("sorted %d of %d tasks", len(order), len(g.nodes))
	}
	return order, nil
}
