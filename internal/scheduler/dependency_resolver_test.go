package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/model"
	"github.com/taskflow/orchestrator/internal/storage"
)

func createTask(t *testing.T, store storage.TaskStore, task *model.Task) *model.Task {
	t.Helper()
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func TestDependenciesSatisfied(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	resolver := NewDependencyResolver(store, zap.NewNop())

	done := createTask(t, store, &model.Task{ProjectID: 1, Status: model.TaskStatusCompleted})
	running := createTask(t, store, &model.Task{ProjectID: 1, Status: model.TaskStatusRunning})

	ok, err := resolver.DependenciesSatisfied(ctx, 1, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = resolver.DependenciesSatisfied(ctx, 1, []int64{done.ID})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = resolver.DependenciesSatisfied(ctx, 1, []int64{done.ID, running.ID})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = resolver.DependenciesSatisfied(ctx, 1, []int64{404})
	require.NoError(t, err)
	assert.False(t, ok)

	// Every non-completed status leaves the dependency unsatisfied.
	for _, status := range model.AllStatuses {
		dep := createTask(t, store, &model.Task{ProjectID: 1, Status: status})
		ok, err := resolver.DependenciesSatisfied(ctx, 1, []int64{dep.ID})
		require.NoError(t, err)
		assert.Equal(t, status == model.TaskStatusCompleted, ok, status.String())
	}
}

func TestDependenciesLenientParsing(t *testing.T) {
	resolver := NewDependencyResolver(storage.NewMemoryStore(), zap.NewNop())

	assert.Empty(t, resolver.Dependencies(&model.Task{Metadata: model.Metadata{model.MetaDependencies: "not,valid"}}))
	assert.Empty(t, resolver.Dependencies(&model.Task{Metadata: model.Metadata{model.MetaDependencies: 42}}))
	assert.Equal(t, []int64{1, 2}, resolver.Dependencies(&model.Task{Metadata: model.Metadata{model.MetaDependencies: "1, 2"}}))
	assert.Equal(t, []int64{3}, resolver.Dependencies(&model.Task{Metadata: model.Metadata{model.MetaDependencies: []any{float64(3)}}}))
	assert.Equal(t, []int64{7}, resolver.Dependencies(&model.Task{
		Dependencies: []int64{7},
		Metadata:     model.Metadata{model.MetaDependencies: "1,2"},
	}))
}

func TestResolveOrder(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	resolver := NewDependencyResolver(store, zap.NewNop())

	// c depends on b, b depends on a; d is unrelated.
	a := createTask(t, store, &model.Task{ProjectID: 1})
	b := createTask(t, store, &model.Task{ProjectID: 1, Dependencies: []int64{a.ID}})
	c := createTask(t, store, &model.Task{ProjectID: 1, Dependencies: []int64{b.ID}})
	createTask(t, store, &model.Task{ProjectID: 1})

	t.Run("topological order", func(t *testing.T) {
		target := &model.Task{ID: 99, ProjectID: 1, Dependencies: []int64{c.ID, a.ID, b.ID}}
		plan, err := resolver.ResolveOrder(ctx, target)
		require.NoError(t, err)
		require.Len(t, plan, 3)
		assert.Equal(t, []int64{a.ID, b.ID, c.ID}, []int64{plan[0].ID, plan[1].ID, plan[2].ID})
	})

	t.Run("no dependencies", func(t *testing.T) {
		plan, err := resolver.ResolveOrder(ctx, a)
		require.NoError(t, err)
		assert.Empty(t, plan)
	})

	t.Run("missing dependency", func(t *testing.T) {
		target := &model.Task{ID: 100, ProjectID: 1, Dependencies: []int64{a.ID, 404}}
		_, err := resolver.ResolveOrder(ctx, target)
		require.Error(t, err)

		var depErr *DependencyError
		require.True(t, errors.As(err, &depErr))
		assert.Equal(t, int64(100), depErr.TaskID)
		assert.Equal(t, []int64{a.ID, 404}, depErr.Dependencies)
		assert.ErrorIs(t, err, ErrDependencyNotFound)
	})

	t.Run("dependency in another project", func(t *testing.T) {
		other := createTask(t, store, &model.Task{ProjectID: 2})
		target := &model.Task{ID: 101, ProjectID: 1, Dependencies: []int64{other.ID}}
		_, err := resolver.ResolveOrder(ctx, target)
		assert.ErrorIs(t, err, ErrProjectMismatch)
	})
}

func TestResolveOrderCycle(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	resolver := NewDependencyResolver(store, zap.NewNop())

	a := createTask(t, store, &model.Task{ProjectID: 1})
	b := createTask(t, store, &model.Task{ProjectID: 1, Dependencies: []int64{a.ID}})
	require.NoError(t, store.UpdateTaskMetadata(ctx, a.ID, model.Metadata{model.MetaDependencies: []int64{b.ID}}))

	target := &model.Task{ID: 50, ProjectID: 1, Dependencies: []int64{b.ID}}
	_, err := resolver.ResolveOrder(ctx, target)
	require.Error(t, err)

	var depErr *DependencyError
	require.True(t, errors.As(err, &depErr))
	assert.Equal(t, int64(50), depErr.TaskID)
	assert.Equal(t, []int64{b.ID}, depErr.Dependencies)
	assert.ErrorIs(t, err, ErrCircularDependency)
}
