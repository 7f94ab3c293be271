package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/taskflow/orchestrator/internal/events"
	"github.com/taskflow/orchestrator/internal/model"
	"github.com/taskflow/orchestrator/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	sched     *Scheduler
	store     storage.TaskStore
	publisher *events.MemoryPublisher
	clock     *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, storage.NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, store storage.TaskStore) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	publisher := &events.MemoryPublisher{}
	sched := NewScheduler(store, zaptest.NewLogger(t),
		WithPublisher(publisher),
		WithClock(clock.Now),
	)
	return &testEnv{sched: sched, store: store, publisher: publisher, clock: clock}
}

func (e *testEnv) schedule(t *testing.T, task *model.Task) *model.Task {
	t.Helper()
	require.NoError(t, e.sched.Schedule(context.Background(), task))
	return task
}

func (e *testEnv) status(t *testing.T, id int64) model.TaskStatus {
	t.Helper()
	status, err := e.sched.GetStatus(context.Background(), id)
	require.NoError(t, err)
	return status
}

func (e *testEnv) stored(t *testing.T, id int64) *model.Task {
	t.Helper()
	task, err := e.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (e *testEnv) startTask(t *testing.T, projectID, wantID int64) {
	t.Helper()
	task, err := e.sched.SelectNext(context.Background(), projectID)
	require.NoError(t, err)
	require.Equal(t, wantID, task.ID)
}

func TestSchedulerDependencyFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1, Name: "a", Priority: 5})
	b := env.schedule(t, &model.Task{ProjectID: 1, Name: "b", Priority: 5, Dependencies: []int64{a.ID}})

	assert.Equal(t, model.TaskStatusReady, a.Status)
	assert.Equal(t, model.TaskStatusPending, b.Status)
	assert.Equal(t, model.TaskStatusReady, env.status(t, a.ID))
	assert.Equal(t, model.TaskStatusPending, env.status(t, b.ID))

	selected, err := env.sched.SelectNext(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, a.ID, selected.ID)
	assert.Equal(t, model.TaskStatusRunning, selected.Status)
	assert.Equal(t, model.TaskStatusRunning, env.status(t, a.ID))

	_, err = env.sched.SelectNext(ctx, 1)
	assert.ErrorIs(t, err, ErrNoTaskAvailable)

	require.NoError(t, env.sched.MarkComplete(ctx, a.ID, map[string]any{"artifact": "bin/app"}))
	assert.Equal(t, model.TaskStatusCompleted, env.status(t, a.ID))
	assert.Equal(t, model.TaskStatusReady, env.status(t, b.ID))
	assert.Contains(t, env.stored(t, a.ID).Metadata, model.MetaResult)
	assert.Contains(t, env.stored(t, a.ID).Metadata, model.MetaCompletedAt)

	ready, err := env.sched.GetReadyTasks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, b.ID, ready[0].ID)

	assert.Equal(t, []model.EventType{
		model.EventTaskScheduled,
		model.EventTaskScheduled,
		model.EventTaskStarted,
		model.EventTaskCompleted,
		model.EventTaskPromoted,
	}, env.publisher.Types())
}

func TestSchedulerPromotionWaitsForAllDependencies(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 9})
	b := env.schedule(t, &model.Task{ProjectID: 1, Priority: 1})
	c := env.schedule(t, &model.Task{ProjectID: 1, Dependencies: []int64{a.ID, b.ID}})

	env.startTask(t, 1, a.ID)
	require.NoError(t, env.sched.MarkComplete(ctx, a.ID, nil))
	assert.Equal(t, model.TaskStatusPending, env.status(t, c.ID))

	env.startTask(t, 1, b.ID)
	require.NoError(t, env.sched.MarkComplete(ctx, b.ID, nil))
	assert.Equal(t, model.TaskStatusReady, env.status(t, c.ID))

	blocked, err := env.sched.GetBlockedTasks(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, blocked)
}

func TestSchedulerDeadlock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 5})
	b := env.schedule(t, &model.Task{ProjectID: 1, Priority: 5})

	require.NoError(t, env.store.UpdateTaskMetadata(ctx, a.ID, model.Metadata{model.MetaDependencies: []int64{b.ID}}))
	require.NoError(t, env.store.UpdateTaskMetadata(ctx, b.ID, model.Metadata{model.MetaDependencies: []int64{a.ID}}))

	cycle, err := env.sched.DetectDeadlock(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cycle, 2)
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, taskIDs(cycle))

	_, err = env.sched.SelectNext(ctx, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeadlock)
	assert.NotErrorIs(t, err, ErrNoTaskAvailable)

	var depErr *DependencyError
	require.True(t, errors.As(err, &depErr))
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, depErr.Cycle)

	// Selection refused without touching either task.
	assert.Equal(t, model.TaskStatusReady, env.status(t, a.ID))
	assert.Equal(t, model.TaskStatusReady, env.status(t, b.ID))

	// Repeated polls of the same cycle report it once.
	for i := 0; i < 3; i++ {
		_, err = env.sched.SelectNext(ctx, 1)
		assert.ErrorIs(t, err, ErrDeadlock)
	}
	assert.Equal(t, 1, countEvents(env.publisher, model.EventDeadlock))

	// Breaking the cycle clears the report; selection resumes.
	require.NoError(t, env.store.UpdateTaskMetadata(ctx, a.ID, model.Metadata{model.MetaDependencies: nil}))
	_, err = env.sched.SelectNext(ctx, 1)
	require.NoError(t, err)
	env.sched.mu.Lock()
	assert.Empty(t, env.sched.deadlocks)
	env.sched.mu.Unlock()
}

func countEvents(publisher *events.MemoryPublisher, eventType model.EventType) int {
	n := 0
	for _, t := range publisher.Types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func TestSchedulerMarkFailedRetryable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 5})
	env.startTask(t, 1, a.ID)

	status, err := env.sched.MarkFailed(ctx, a.ID, "Connection timeout")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRetrying, status)

	stored := env.stored(t, a.ID)
	assert.Equal(t, model.TaskStatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount())
	assert.Equal(t, "Connection timeout", stored.Metadata[model.MetaLastError])

	retryAt, ok := stored.RetryAt()
	require.True(t, ok)
	assert.WithinDuration(t, env.clock.Now().Add(60*time.Second), retryAt, time.Second)
}

func TestSchedulerMarkFailedNonRetryable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 5})
	env.startTask(t, 1, a.ID)

	status, err := env.sched.MarkFailed(ctx, a.ID, "Validation failed: bad field")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, status)

	stored := env.stored(t, a.ID)
	assert.Equal(t, model.TaskStatusFailed, stored.Status)
	assert.Equal(t, 0, stored.RetryCount())
	assert.Equal(t, "Validation failed: bad field", stored.Metadata[model.MetaLastError])
	assert.Contains(t, stored.Metadata, model.MetaFailedAt)
	_, ok := stored.RetryAt()
	assert.False(t, ok)
}

func TestSchedulerRetryCycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 5})
	fresh := env.schedule(t, &model.Task{ProjectID: 1, Priority: 4})
	env.startTask(t, 1, a.ID)

	_, err := env.sched.MarkFailed(ctx, a.ID, "Connection timeout")
	require.NoError(t, err)

	// Too early: repeated polls do nothing.
	for i := 0; i < 3; i++ {
		requeued, err := env.sched.Retry(ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, requeued)
	}
	assert.Equal(t, 5, env.stored(t, a.ID).Priority)

	env.clock.Advance(61 * time.Second)
	requeued, err := env.sched.Retry(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, requeued)
	assert.Equal(t, 4, env.stored(t, a.ID).Priority)
	assert.Equal(t, model.TaskStatusRetrying, env.status(t, a.ID))

	// A second call after re-admission does not apply the penalty twice.
	requeued, err = env.sched.Retry(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, requeued)
	assert.Equal(t, 4, env.stored(t, a.ID).Priority)

	// Equal nominal priority: the fresh task arrived first and wins.
	env.startTask(t, 1, fresh.ID)
	env.startTask(t, 1, a.ID)
	assert.Equal(t, model.TaskStatusRunning, env.status(t, a.ID))

	// Second failure backs off for 120s.
	_, err = env.sched.MarkFailed(ctx, a.ID, "Connection reset")
	require.NoError(t, err)
	stored := env.stored(t, a.ID)
	assert.Equal(t, 2, stored.RetryCount())
	assert.False(t, stored.Requeued())
	retryAt, _ := stored.RetryAt()
	assert.WithinDuration(t, env.clock.Now().Add(120*time.Second), retryAt, time.Second)
}

func TestSchedulerRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 5})
	env.startTask(t, 1, a.ID)

	for attempt := 1; attempt <= 3; attempt++ {
		status, err := env.sched.MarkFailed(ctx, a.ID, "timeout")
		require.NoError(t, err)
		require.Equal(t, model.TaskStatusRetrying, status, "attempt %d", attempt)

		env.clock.Advance(time.Hour)
		requeued, err := env.sched.Retry(ctx, a.ID)
		require.NoError(t, err)
		require.True(t, requeued)
		env.startTask(t, 1, a.ID)
	}

	status, err := env.sched.MarkFailed(ctx, a.ID, "timeout")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, status)
	assert.Equal(t, 3, env.stored(t, a.ID).RetryCount())
	assert.Equal(t, 2, env.stored(t, a.ID).Priority)
}

func TestSchedulerRetryRejectsNonRetrying(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1})
	_, err := env.sched.Retry(ctx, a.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSchedulerPriorityOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.schedule(t, &model.Task{ProjectID: 1, Priority: 3})
	high := env.schedule(t, &model.Task{ProjectID: 1, Priority: 8})
	env.schedule(t, &model.Task{ProjectID: 1, Priority: 5})

	selected, err := env.sched.SelectNext(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, high.ID, selected.ID)
	assert.Equal(t, 8, selected.Priority)
}

func TestSchedulerMalformedDependencies(t *testing.T) {
	env := newTestEnv(t)

	task := env.schedule(t, &model.Task{
		ProjectID: 1,
		Metadata:  model.Metadata{model.MetaDependencies: "not,valid"},
	})
	assert.Equal(t, model.TaskStatusReady, task.Status)
	assert.Equal(t, model.TaskStatusReady, env.status(t, task.ID))
}

func TestSchedulerBoostsAffectSelection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	deadline := env.clock.Now().Add(20 * time.Minute)
	plain := env.schedule(t, &model.Task{ProjectID: 1, Priority: 6})
	urgent := env.schedule(t, &model.Task{ProjectID: 1, Priority: 5, Deadline: &deadline})
	blocker := env.schedule(t, &model.Task{ProjectID: 1, Priority: 6})
	env.schedule(t, &model.Task{ProjectID: 1, Priority: 1, Dependencies: []int64{blocker.ID}})

	// urgent: 5+2, blocker: 6+1, plain: 6. urgent arrived before blocker.
	env.startTask(t, 1, urgent.ID)
	env.startTask(t, 1, blocker.ID)
	env.startTask(t, 1, plain.ID)

	// Boosts are never written back.
	assert.Equal(t, 5, env.stored(t, urgent.ID).Priority)
	assert.Equal(t, 6, env.stored(t, blocker.ID).Priority)

	_, err := env.sched.SelectNext(ctx, 1)
	assert.ErrorIs(t, err, ErrNoTaskAvailable)
}

func TestSchedulerSelectedTaskWasReady(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		env.schedule(t, &model.Task{ProjectID: 1, Priority: i})
	}

	for {
		ready, err := env.sched.GetReadyTasks(ctx, 1)
		require.NoError(t, err)

		selected, err := env.sched.SelectNext(ctx, 1)
		if errors.Is(err, ErrNoTaskAvailable) {
			break
		}
		require.NoError(t, err)

		assert.Contains(t, taskIDs(ready), selected.ID)
		for _, task := range ready {
			if task.ID == selected.ID {
				assert.Equal(t, model.TaskStatusReady, task.Status)
			}
		}
		assert.Equal(t, model.TaskStatusRunning, env.status(t, selected.ID))
	}
}

func TestSchedulerSelectsRequeuedRetryingTask(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 5})
	env.startTask(t, 1, a.ID)
	_, err := env.sched.MarkFailed(ctx, a.ID, "Connection timeout")
	require.NoError(t, err)

	env.clock.Advance(61 * time.Second)
	requeued, err := env.sched.Retry(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, requeued)

	// The requeued task waits in the queue as retrying; there is no
	// retrying -> ready edge.
	ready, err := env.sched.GetReadyTasks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, a.ID, ready[0].ID)
	assert.Equal(t, model.TaskStatusRetrying, ready[0].Status)

	selected, err := env.sched.SelectNext(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, a.ID, selected.ID)
	assert.Equal(t, model.TaskStatusRunning, selected.Status)
	assert.Equal(t, model.TaskStatusRunning, env.status(t, a.ID))

	var started *model.Event
	for _, event := range env.publisher.Events() {
		if event.Type == model.EventTaskStarted && event.TaskID == a.ID {
			started = event
		}
	}
	require.NotNil(t, started)
	assert.Equal(t, model.TaskStatusRetrying, started.From)
	assert.Equal(t, model.TaskStatusRunning, started.To)
}

func TestSchedulerCancel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 5})
	b := env.schedule(t, &model.Task{ProjectID: 1, Priority: 1})

	// ready -> cancelled is not a legal edge.
	err := env.sched.Cancel(ctx, b.ID, "no longer needed")
	var stateErr *StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, model.TaskStatusReady, stateErr.From)
	assert.Equal(t, model.TaskStatusCancelled, stateErr.To)

	env.startTask(t, 1, a.ID)
	require.NoError(t, env.sched.Cancel(ctx, a.ID, "superseded"))
	assert.Equal(t, model.TaskStatusCancelled, env.status(t, a.ID))
	assert.Equal(t, "superseded", env.stored(t, a.ID).Metadata[model.MetaCancelReason])

	// Terminal.
	err = env.sched.MarkComplete(ctx, a.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSchedulerCancelFailedTask(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1})
	env.startTask(t, 1, a.ID)
	_, err := env.sched.MarkFailed(ctx, a.ID, "permission denied")
	require.NoError(t, err)

	require.NoError(t, env.sched.Cancel(ctx, a.ID, "giving up"))
	assert.Equal(t, model.TaskStatusCancelled, env.status(t, a.ID))
}

func TestSchedulerBlockAndUnblock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 5})
	env.startTask(t, 1, a.ID)

	require.NoError(t, env.sched.Block(ctx, a.ID, "waiting for credentials"))
	assert.Equal(t, model.TaskStatusBlocked, env.status(t, a.ID))

	blocked, err := env.sched.GetBlockedTasks(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, taskIDs(blocked))

	require.NoError(t, env.sched.Unblock(ctx, a.ID))
	assert.Equal(t, model.TaskStatusReady, env.status(t, a.ID))
	assert.NotContains(t, env.stored(t, a.ID).Metadata, model.MetaBlockReason)

	env.startTask(t, 1, a.ID)
}

func TestSchedulerUnknownTask(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	err := env.sched.MarkComplete(ctx, 404, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	var stateErr *StateError
	assert.True(t, errors.As(err, &stateErr))

	_, err = env.sched.GetStatus(ctx, 404)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSchedulerRejectsIllegalInitialStatus(t *testing.T) {
	env := newTestEnv(t)

	err := env.sched.Schedule(context.Background(), &model.Task{ProjectID: 1, Status: model.TaskStatusCompleted})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSchedulerResolveOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1})
	b := env.schedule(t, &model.Task{ProjectID: 1, Dependencies: []int64{a.ID}})
	c := env.schedule(t, &model.Task{ProjectID: 1, Dependencies: []int64{b.ID, a.ID}})

	plan, err := env.sched.ResolveOrder(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID}, taskIDs(plan))
}

func TestSchedulerRebuild(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	env := newTestEnvWithStore(t, store)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 2})
	b := env.schedule(t, &model.Task{ProjectID: 1, Priority: 7})
	env.startTask(t, 1, b.ID)
	_, err := env.sched.MarkFailed(ctx, b.ID, "timeout")
	require.NoError(t, err)
	env.clock.Advance(2 * time.Minute)
	requeued, err := env.sched.Retry(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, requeued)

	// A fresh scheduler over the same store sees the same queue.
	restarted := NewScheduler(store, zap.NewNop(), WithClock(env.clock.Now))
	ready, err := restarted.GetReadyTasks(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID, a.ID}, taskIDs(ready))

	depth, err := env.sched.Rebuild(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	stats := env.sched.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, model.QueueStats{ProjectID: 1, Depth: 2}, stats[0])
}

func TestSchedulerRetryDue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 3})
	b := env.schedule(t, &model.Task{ProjectID: 2, Priority: 3})
	env.startTask(t, 1, a.ID)
	env.startTask(t, 2, b.ID)
	_, err := env.sched.MarkFailed(ctx, a.ID, "timeout")
	require.NoError(t, err)

	env.clock.Advance(30 * time.Second)
	_, err = env.sched.MarkFailed(ctx, b.ID, "timeout")
	require.NoError(t, err)

	env.clock.Advance(31 * time.Second)
	count, err := env.sched.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	env.clock.Advance(time.Minute)
	count, err = env.sched.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = env.sched.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSchedulerProjectsAreIsolated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 1})
	b := env.schedule(t, &model.Task{ProjectID: 2, Priority: 9})

	env.startTask(t, 1, a.ID)
	_, err := env.sched.SelectNext(ctx, 1)
	assert.ErrorIs(t, err, ErrNoTaskAvailable)
	env.startTask(t, 2, b.ID)
}

func TestSchedulerConcurrentSelection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	const total = 50
	for i := 0; i < total; i++ {
		env.schedule(t, &model.Task{ProjectID: 1, Priority: i % 7})
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := env.sched.SelectNext(ctx, 1)
				if errors.Is(err, ErrNoTaskAvailable) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %d handed out %d times", id, n)
	}
}

func TestSchedulerWithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewMemorySQLiteStore(zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	env := newTestEnvWithStore(t, store)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 5})
	b := env.schedule(t, &model.Task{ProjectID: 1, Priority: 5, Dependencies: []int64{a.ID}})

	env.startTask(t, 1, a.ID)
	_, err = env.sched.MarkFailed(ctx, a.ID, "Connection timeout")
	require.NoError(t, err)
	assert.Equal(t, 1, env.stored(t, a.ID).RetryCount())

	env.clock.Advance(2 * time.Minute)
	requeued, err := env.sched.Retry(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, requeued)

	env.startTask(t, 1, a.ID)
	require.NoError(t, env.sched.MarkComplete(ctx, a.ID, map[string]any{"ok": true}))
	assert.Equal(t, model.TaskStatusReady, env.status(t, b.ID))
}
