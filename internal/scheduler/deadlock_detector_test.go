package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/model"
	"github.com/taskflow/orchestrator/internal/storage"
)

func taskIDs(tasks []*model.Task) []int64 {
	ids := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}

func newTestDetector(store storage.TaskStore) *DeadlockDetector {
	return NewDeadlockDetector(store, NewDependencyResolver(store, zap.NewNop()), zap.NewNop())
}

func TestDeadlockDetectorChain(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	a := createTask(t, store, &model.Task{ProjectID: 1})
	b := createTask(t, store, &model.Task{ProjectID: 1, Dependencies: []int64{a.ID}})
	createTask(t, store, &model.Task{ProjectID: 1, Dependencies: []int64{b.ID}})

	cycle, err := newTestDetector(store).Detect(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, cycle)
}

func TestDeadlockDetectorTwoNodeCycle(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	a := createTask(t, store, &model.Task{ProjectID: 1})
	b := createTask(t, store, &model.Task{ProjectID: 1, Dependencies: []int64{a.ID}})
	require.NoError(t, store.UpdateTaskMetadata(ctx, a.ID, model.Metadata{model.MetaDependencies: []int64{b.ID}}))

	cycle, err := newTestDetector(store).Detect(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, taskIDs(cycle))
}

func TestDeadlockDetectorDisconnectedComponents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	// An acyclic component that is visited first.
	x := createTask(t, store, &model.Task{ProjectID: 1})
	createTask(t, store, &model.Task{ProjectID: 1, Dependencies: []int64{x.ID}})

	// A three node cycle in a separate component.
	p := createTask(t, store, &model.Task{ProjectID: 1})
	q := createTask(t, store, &model.Task{ProjectID: 1, Dependencies: []int64{p.ID}})
	r := createTask(t, store, &model.Task{ProjectID: 1, Dependencies: []int64{q.ID}})
	require.NoError(t, store.UpdateTaskMetadata(ctx, p.ID, model.Metadata{model.MetaDependencies: []int64{r.ID}}))

	cycle, err := newTestDetector(store).Detect(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{p.ID, q.ID, r.ID}, taskIDs(cycle))
}

func TestDeadlockDetectorSelfDependency(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	a := createTask(t, store, &model.Task{ProjectID: 1})
	require.NoError(t, store.UpdateTaskMetadata(ctx, a.ID, model.Metadata{model.MetaDependencies: []int64{a.ID}}))

	cycle, err := newTestDetector(store).Detect(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, taskIDs(cycle))
}

func TestDeadlockDetectorIgnoresOtherProjects(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	a := createTask(t, store, &model.Task{ProjectID: 1})
	b := createTask(t, store, &model.Task{ProjectID: 1, Dependencies: []int64{a.ID}})
	require.NoError(t, store.UpdateTaskMetadata(ctx, a.ID, model.Metadata{model.MetaDependencies: []int64{b.ID}}))
	createTask(t, store, &model.Task{ProjectID: 2})

	cycle, err := newTestDetector(store).Detect(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, cycle)
}

// vanishingStore hides a set of tasks from GetTask while still listing them
// for the project.
type vanishingStore struct {
	*storage.MemoryStore
	gone map[int64]bool
}

func (s *vanishingStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	if s.gone[id] {
		return nil, fmt.Errorf("task %d: %w", id, storage.ErrTaskNotFound)
	}
	return s.MemoryStore.GetTask(ctx, id)
}

func TestDeadlockDetectorSkipsVanishedTasks(t *testing.T) {
	ctx := context.Background()
	store := &vanishingStore{MemoryStore: storage.NewMemoryStore(), gone: map[int64]bool{}}

	a := createTask(t, store, &model.Task{ProjectID: 1})
	b := createTask(t, store, &model.Task{ProjectID: 1, Dependencies: []int64{a.ID}})
	require.NoError(t, store.UpdateTaskMetadata(ctx, a.ID, model.Metadata{model.MetaDependencies: []int64{b.ID}}))
	store.gone[b.ID] = true

	cycle, err := newTestDetector(store).Detect(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, taskIDs(cycle))
}

func TestDeadlockDetectorStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := &failingGetStore{MemoryStore: storage.NewMemoryStore()}

	a := createTask(t, store, &model.Task{ProjectID: 1})
	b := createTask(t, store, &model.Task{ProjectID: 1, Dependencies: []int64{a.ID}})
	require.NoError(t, store.UpdateTaskMetadata(ctx, a.ID, model.Metadata{model.MetaDependencies: []int64{b.ID}}))

	_, err := newTestDetector(store).Detect(ctx, 1)
	assert.ErrorIs(t, err, errStoreDown)
}

var errStoreDown = errors.New("store unavailable")

type failingGetStore struct {
	*storage.MemoryStore
}

func (s *failingGetStore) GetTask(context.Context, int64) (*model.Task, error) {
	return nil, errStoreDown
}
