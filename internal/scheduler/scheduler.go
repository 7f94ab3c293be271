package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/events"
	"github.com/taskflow/orchestrator/internal/model"
	"github.com/taskflow/orchestrator/internal/storage"
)

// Option configures a Scheduler
type Option func(*Scheduler)

// WithPublisher sets the destination of lifecycle events
func WithPublisher(publisher events.Publisher) Option {
	return func(s *Scheduler) {
		s.publisher = publisher
	}
}

// WithRetryPolicy replaces the default retry policy
func WithRetryPolicy(policy *RetryPolicy) Option {
	return func(s *Scheduler) {
		s.retry = policy
	}
}

// WithDeadlineWindow sets how close a deadline must be to earn a boost
func WithDeadlineWindow(window time.Duration) Option {
	return func(s *Scheduler) {
		s.deadlineWindow = window
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler decides which task of a project runs next and drives every
// status change. All public methods serialize on one lock.
type Scheduler struct {
	logger         *zap.Logger
	store          storage.TaskStore
	publisher      events.Publisher
	resolver       *DependencyResolver
	detector       *DeadlockDetector
	states         *StateMachine
	retry          *RetryPolicy
	deadlineWindow time.Duration
	now            func() time.Time

	mu        sync.Mutex
	queues    map[int64]*ReadyQueue
	outbox    []*model.Event
	deadlocks map[int64]string // last reported cycle per project
}

// NewScheduler creates a scheduler on top of the given task store
func NewScheduler(store storage.TaskStore, logger *zap.Logger, opts ...Option) *Scheduler {
	resolver := NewDependencyResolver(store, logger)
	s := &Scheduler{
		logger:         logger.Named("scheduler"),
		store:          store,
		publisher:      events.NopPublisher{},
		resolver:       resolver,
		detector:       NewDeadlockDetector(store, resolver, logger),
		states:         NewStateMachine(),
		retry:          DefaultRetryPolicy(),
		deadlineWindow: defaultDeadlineWindow,
		now:            time.Now,
		queues:         make(map[int64]*ReadyQueue),
		deadlocks:      make(map[int64]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RetryPolicy returns the policy used by MarkFailed
func (s *Scheduler) RetryPolicy() *RetryPolicy {
	return s.retry
}

// withLock runs fn under the scheduler lock and publishes the events it
// produced once the lock is released.
func (s *Scheduler) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	err := fn()
	outbox := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for _, event := range outbox {
		if perr := s.publisher.Publish(ctx, event); perr != nil {
			s.logger.Warn("Failed to publish event",
				zap.String("type", string(event.Type)),
				zap.Int64("task_id", event.TaskID),
				zap.Error(perr))
		}
	}
	return err
}

func (s *Scheduler) emitLocked(eventType model.EventType, task *model.Task, from model.TaskStatus, message string) {
	s.outbox = append(s.outbox, &model.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		From:      from,
		To:        task.Status,
		Priority:  task.Priority,
		Message:   message,
		Timestamp: s.now().UTC(),
	})
}

// Schedule classifies the task as ready or pending, persists it and queues it
// when ready. A task without an ID is created in the store; the caller's
// task receives the assigned ID and status.
func (s *Scheduler) Schedule(ctx context.Context, task *model.Task) error {
	return s.withLock(ctx, func() error {
		return s.scheduleLocked(ctx, task)
	})
}

func (s *Scheduler) scheduleLocked(ctx context.Context, task *model.Task) error {
	current := task.Clone()
	if task.ID != 0 {
		stored, err := s.loadLocked(ctx, task.ID)
		if err != nil {
			return err
		}
		current = stored
	}

	satisfied, err := s.resolver.DependenciesSatisfied(ctx, current.ProjectID, s.resolver.Dependencies(current))
	if err != nil {
		return err
	}
	target := model.TaskStatusPending
	if satisfied {
		target = model.TaskStatusReady
	}

	from := current.Status
	if from != target {
		if err := s.states.Transition(current, target); err != nil {
			return err
		}
	}

	if current.ID == 0 {
		if err := s.store.CreateTask(ctx, current); err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
	} else if from != target {
		if err := s.store.UpdateTaskStatus(ctx, current.ID, target, nil); err != nil {
			return fmt.Errorf("failed to persist status of task %d: %w", current.ID, err)
		}
	}

	task.ID = current.ID
	task.Status = current.Status
	task.CreatedAt = current.CreatedAt
	task.UpdatedAt = current.UpdatedAt

	if target == model.TaskStatusReady {
		queue, err := s.queueLocked(ctx, current.ProjectID)
		if err != nil {
			return err
		}
		queue.Push(current)
	}

	s.logger.Info("Task scheduled",
		zap.Int64("task_id", current.ID),
		zap.Int64("project_id", current.ProjectID),
		zap.String("status", current.Status.String()),
		zap.Int("priority", current.Priority))
	s.emitLocked(model.EventTaskScheduled, current, from, "")
	return nil
}

// SelectNext hands out the highest priority ready task of the project and
// marks it running. It fails with a *DependencyError of kind ErrDeadlock when
// the project graph has a cycle and with ErrNoTaskAvailable when nothing is
// ready.
func (s *Scheduler) SelectNext(ctx context.Context, projectID int64) (*model.Task, error) {
	var selected *model.Task
	err := s.withLock(ctx, func() error {
		var err error
		selected, err = s.selectNextLocked(ctx, projectID)
		return err
	})
	return selected, err
}

func (s *Scheduler) selectNextLocked(ctx context.Context, projectID int64) (*model.Task, error) {
	queue, err := s.queueLocked(ctx, projectID)
	if err != nil {
		return nil, err
	}

	graph, err := s.resolver.projectGraph(ctx, projectID)
	if err != nil {
		return nil, err
	}
	cycle, err := s.detector.detectIn(ctx, projectID, graph)
	if err != nil {
		return nil, err
	}
	if len(cycle) > 0 {
		return nil, s.deadlockErrorLocked(projectID, cycle, graph)
	}
	delete(s.deadlocks, projectID)

	queue.ApplyBoosts(s.now(), graph.blocking())

	for {
		queued, ok := queue.PopHighest()
		if !ok {
			return nil, ErrNoTaskAvailable
		}

		task, ok := graph.tasks[queued.ID]
		if !ok || (task.Status != model.TaskStatusReady && task.Status != model.TaskStatusRetrying) {
			s.logger.Warn("Dropping stale queue entry",
				zap.Int64("task_id", queued.ID),
				zap.Int64("project_id", projectID))
			continue
		}

		from := task.Status
		running := task.Clone()
		if err := s.states.Transition(running, model.TaskStatusRunning); err != nil {
			return nil, err
		}
		if err := s.store.UpdateTaskStatus(ctx, running.ID, model.TaskStatusRunning, nil); err != nil {
			queue.Push(queued)
			return nil, fmt.Errorf("failed to persist status of task %d: %w", running.ID, err)
		}

		s.logger.Info("Task selected",
			zap.Int64("task_id", running.ID),
			zap.Int64("project_id", projectID),
			zap.Int("priority", running.Priority))
		s.emitLocked(model.EventTaskStarted, running, from, "")
		return running, nil
	}
}

func (s *Scheduler) deadlockErrorLocked(projectID int64, cycle []*model.Task, graph *projectGraph) error {
	ids := make([]int64, 0, len(cycle))
	for _, task := range cycle {
		ids = append(ids, task.ID)
	}
	head := cycle[0]

	// Report each distinct cycle once, not on every poll.
	key := fmt.Sprint(ids)
	if s.deadlocks[projectID] != key {
		s.deadlocks[projectID] = key
		s.outbox = append(s.outbox, &model.Event{
			ID:        uuid.New().String(),
			Type:      model.EventDeadlock,
			ProjectID: projectID,
			TaskID:    head.ID,
			Cycle:     ids,
			Message:   "dependency cycle blocks selection",
			Timestamp: s.now().UTC(),
		})
	}

	return &DependencyError{
		TaskID:       head.ID,
		Dependencies: graph.deps[head.ID],
		Cycle:        ids,
		Kind:         ErrDeadlock,
	}
}

// ResolveOrder returns the task's dependencies in execution order
func (s *Scheduler) ResolveOrder(ctx context.Context, task *model.Task) ([]*model.Task, error) {
	var plan []*model.Task
	err := s.withLock(ctx, func() error {
		var err error
		plan, err = s.resolver.ResolveOrder(ctx, task)
		return err
	})
	return plan, err
}

// MarkComplete records the result of a running task and promotes pending
// tasks of the project whose dependencies are now all completed.
func (s *Scheduler) MarkComplete(ctx context.Context, taskID int64, result map[string]any) error {
	return s.withLock(ctx, func() error {
		return s.markCompleteLocked(ctx, taskID, result)
	})
}

func (s *Scheduler) markCompleteLocked(ctx context.Context, taskID int64, result map[string]any) error {
	task, err := s.loadLocked(ctx, taskID)
	if err != nil {
		return err
	}

	from := task.Status
	if err := s.states.Transition(task, model.TaskStatusCompleted); err != nil {
		return err
	}

	patch := model.Metadata{
		model.MetaCompletedAt: s.now().UTC().Format(time.RFC3339Nano),
	}
	if result != nil {
		patch[model.MetaResult] = result
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, model.TaskStatusCompleted, patch); err != nil {
		return fmt.Errorf("failed to persist status of task %d: %w", taskID, err)
	}
	s.dequeueLocked(task)

	s.logger.Info("Task completed",
		zap.Int64("task_id", taskID),
		zap.Int64("project_id", task.ProjectID))
	s.emitLocked(model.EventTaskCompleted, task, from, "")

	return s.promoteLocked(ctx, task.ProjectID)
}

// promoteLocked moves every pending task of the project whose dependencies
// are satisfied to ready.
func (s *Scheduler) promoteLocked(ctx context.Context, projectID int64) error {
	tasks, err := s.store.GetTasksByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load project %d: %w", projectID, err)
	}

	queue, err := s.queueLocked(ctx, projectID)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if task.Status != model.TaskStatusPending {
			continue
		}
		satisfied, err := s.resolver.DependenciesSatisfied(ctx, projectID, s.resolver.Dependencies(task))
		if err != nil {
			return err
		}
		if !satisfied {
			continue
		}

		if err := s.states.Transition(task, model.TaskStatusReady); err != nil {
			return err
		}
		if err := s.store.UpdateTaskStatus(ctx, task.ID, model.TaskStatusReady, nil); err != nil {
			return fmt.Errorf("failed to persist status of task %d: %w", task.ID, err)
		}
		queue.Push(task)

		s.logger.Info("Task promoted",
			zap.Int64("task_id", task.ID),
			zap.Int64("project_id", projectID))
		s.emitLocked(model.EventTaskPromoted, task, model.TaskStatusPending, "")
	}
	return nil
}

// MarkFailed applies the retry policy to a running task's failure and returns
// the status the task ended up in: retrying or failed.
func (s *Scheduler) MarkFailed(ctx context.Context, taskID int64, errMsg string) (model.TaskStatus, error) {
	var status model.TaskStatus
	err := s.withLock(ctx, func() error {
		var err error
		status, err = s.markFailedLocked(ctx, taskID, errMsg)
		return err
	})
	return status, err
}

func (s *Scheduler) markFailedLocked(ctx context.Context, taskID int64, errMsg string) (model.TaskStatus, error) {
	task, err := s.loadLocked(ctx, taskID)
	if err != nil {
		return model.TaskStatusUnset, err
	}

	from := task.Status
	if err := s.states.Transition(task, model.TaskStatusFailed); err != nil {
		return model.TaskStatusUnset, err
	}

	now := s.now().UTC()
	retryCount := task.RetryCount()
	decision := s.retry.Classify(errMsg, retryCount)

	if decision == DecisionTerminal {
		patch := model.Metadata{
			model.MetaLastError:  errMsg,
			model.MetaRetryCount: retryCount,
			model.MetaFailedAt:   now.Format(time.RFC3339Nano),
		}
		if err := s.store.UpdateTaskStatus(ctx, taskID, model.TaskStatusFailed, patch); err != nil {
			return model.TaskStatusUnset, fmt.Errorf("failed to persist status of task %d: %w", taskID, err)
		}
		s.dequeueLocked(task)

		s.logger.Warn("Task failed permanently",
			zap.Int64("task_id", taskID),
			zap.Int("retry_count", retryCount),
			zap.String("error", errMsg))
		s.emitLocked(model.EventTaskFailed, task, from, errMsg)
		return model.TaskStatusFailed, nil
	}

	if err := s.states.Transition(task, model.TaskStatusRetrying); err != nil {
		return model.TaskStatusUnset, err
	}

	delay := s.retry.Backoff(retryCount)
	retryAt := now.Add(delay)
	patch := model.Metadata{
		model.MetaLastError:  errMsg,
		model.MetaRetryCount: retryCount + 1,
		model.MetaRetryAt:    retryAt.Format(time.RFC3339Nano),
		model.MetaRequeuedAt: nil,
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, model.TaskStatusRetrying, patch); err != nil {
		return model.TaskStatusUnset, fmt.Errorf("failed to persist status of task %d: %w", taskID, err)
	}
	s.dequeueLocked(task)

	s.logger.Info("Task scheduled for retry",
		zap.Int64("task_id", taskID),
		zap.Int("retry_count", retryCount+1),
		zap.Duration("backoff", delay),
		zap.String("error", errMsg))
	s.emitLocked(model.EventTaskRetrying, task, from, errMsg)
	return model.TaskStatusRetrying, nil
}

// Retry re-admits a retrying task to its project's ready queue with a one
// point priority penalty. It returns false without error while the backoff
// window is still open or when the task was already re-admitted.
func (s *Scheduler) Retry(ctx context.Context, taskID int64) (bool, error) {
	var requeued bool
	err := s.withLock(ctx, func() error {
		var err error
		requeued, err = s.retryLocked(ctx, taskID)
		return err
	})
	return requeued, err
}

func (s *Scheduler) retryLocked(ctx context.Context, taskID int64) (bool, error) {
	task, err := s.loadLocked(ctx, taskID)
	if err != nil {
		return false, err
	}

	if task.Status != model.TaskStatusRetrying {
		return false, &StateError{
			TaskID: taskID,
			From:   task.Status,
			To:     model.TaskStatusRetrying,
			Kind:   ErrInvalidTransition,
		}
	}
	if task.Requeued() {
		return false, nil
	}

	now := s.now()
	if retryAt, ok := task.RetryAt(); ok && now.Before(retryAt) {
		return false, nil
	}

	priority := s.retry.PenalizedPriority(task.Priority)
	if err := s.store.UpdateTaskPriority(ctx, taskID, priority); err != nil {
		return false, fmt.Errorf("failed to persist priority of task %d: %w", taskID, err)
	}
	if err := s.store.UpdateTaskMetadata(ctx, taskID, model.Metadata{
		model.MetaRequeuedAt: now.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return false, fmt.Errorf("failed to persist metadata of task %d: %w", taskID, err)
	}
	task.Priority = priority

	queue, err := s.queueLocked(ctx, task.ProjectID)
	if err != nil {
		return false, err
	}
	queue.Push(task)

	s.logger.Info("Task requeued",
		zap.Int64("task_id", taskID),
		zap.Int64("project_id", task.ProjectID),
		zap.Int("priority", priority))
	s.emitLocked(model.EventTaskRequeued, task, task.Status, "")
	return true, nil
}

// RetryDue re-admits every retrying task whose backoff has elapsed and
// returns how many were requeued.
func (s *Scheduler) RetryDue(ctx context.Context) (int, error) {
	var count int
	err := s.withLock(ctx, func() error {
		tasks, err := s.store.ListTasksByStatus(ctx, model.TaskStatusRetrying)
		if err != nil {
			return fmt.Errorf("failed to list retrying tasks: %w", err)
		}
		for _, task := range tasks {
			requeued, err := s.retryLocked(ctx, task.ID)
			if err != nil {
				return err
			}
			if requeued {
				count++
			}
		}
		return nil
	})
	return count, err
}

// Cancel moves the task to cancelled and drops it from its ready queue. It
// does not interrupt work already handed to an agent.
func (s *Scheduler) Cancel(ctx context.Context, taskID int64, reason string) error {
	return s.withLock(ctx, func() error {
		task, err := s.loadLocked(ctx, taskID)
		if err != nil {
			return err
		}

		from := task.Status
		if err := s.states.Transition(task, model.TaskStatusCancelled); err != nil {
			return err
		}
		patch := model.Metadata{model.MetaCancelReason: reason}
		if err := s.store.UpdateTaskStatus(ctx, taskID, model.TaskStatusCancelled, patch); err != nil {
			return fmt.Errorf("failed to persist status of task %d: %w", taskID, err)
		}
		s.dequeueLocked(task)

		s.logger.Info("Task cancelled",
			zap.Int64("task_id", taskID),
			zap.String("reason", reason))
		s.emitLocked(model.EventTaskCancelled, task, from, reason)
		return nil
	})
}

// Block parks a running task until Unblock is called
func (s *Scheduler) Block(ctx context.Context, taskID int64, reason string) error {
	return s.withLock(ctx, func() error {
		task, err := s.loadLocked(ctx, taskID)
		if err != nil {
			return err
		}

		from := task.Status
		if err := s.states.Transition(task, model.TaskStatusBlocked); err != nil {
			return err
		}
		patch := model.Metadata{model.MetaBlockReason: reason}
		if err := s.store.UpdateTaskStatus(ctx, taskID, model.TaskStatusBlocked, patch); err != nil {
			return fmt.Errorf("failed to persist status of task %d: %w", taskID, err)
		}
		s.dequeueLocked(task)

		s.logger.Info("Task blocked",
			zap.Int64("task_id", taskID),
			zap.String("reason", reason))
		s.emitLocked(model.EventTaskBlocked, task, from, reason)
		return nil
	})
}

// Unblock returns a blocked task to the ready queue
func (s *Scheduler) Unblock(ctx context.Context, taskID int64) error {
	return s.withLock(ctx, func() error {
		task, err := s.loadLocked(ctx, taskID)
		if err != nil {
			return err
		}

		from := task.Status
		if err := s.states.Transition(task, model.TaskStatusReady); err != nil {
			return err
		}
		patch := model.Metadata{model.MetaBlockReason: nil}
		if err := s.store.UpdateTaskStatus(ctx, taskID, model.TaskStatusReady, patch); err != nil {
			return fmt.Errorf("failed to persist status of task %d: %w", taskID, err)
		}

		queue, err := s.queueLocked(ctx, task.ProjectID)
		if err != nil {
			return err
		}
		queue.Push(task)

		s.logger.Info("Task unblocked", zap.Int64("task_id", taskID))
		s.emitLocked(model.EventTaskPromoted, task, from, "")
		return nil
	})
}

// DetectDeadlock returns the tasks of a dependency cycle in the project, or
// nil when there is none.
func (s *Scheduler) DetectDeadlock(ctx context.Context, projectID int64) ([]*model.Task, error) {
	var cycle []*model.Task
	err := s.withLock(ctx, func() error {
		var err error
		cycle, err = s.detector.Detect(ctx, projectID)
		return err
	})
	return cycle, err
}

// GetReadyTasks returns the project's queued tasks in selection order with
// their boosted priorities.
func (s *Scheduler) GetReadyTasks(ctx context.Context, projectID int64) ([]*model.Task, error) {
	var tasks []*model.Task
	err := s.withLock(ctx, func() error {
		queue, err := s.queueLocked(ctx, projectID)
		if err != nil {
			return err
		}
		tasks = queue.Tasks()
		return nil
	})
	return tasks, err
}

// GetBlockedTasks returns the project's tasks waiting on dependencies or
// explicitly blocked.
func (s *Scheduler) GetBlockedTasks(ctx context.Context, projectID int64) ([]*model.Task, error) {
	var blocked []*model.Task
	err := s.withLock(ctx, func() error {
		tasks, err := s.store.GetTasksByProject(ctx, projectID)
		if err != nil {
			return fmt.Errorf("failed to load project %d: %w", projectID, err)
		}
		blocked = make([]*model.Task, 0)
		for _, task := range tasks {
			if task.Status == model.TaskStatusPending || task.Status == model.TaskStatusBlocked {
				blocked = append(blocked, task)
			}
		}
		return nil
	})
	return blocked, err
}

// GetStatus returns the stored status of a task
func (s *Scheduler) GetStatus(ctx context.Context, taskID int64) (model.TaskStatus, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return model.TaskStatusUnset, err
	}
	return task.Status, nil
}

// GetTask returns the stored task
func (s *Scheduler) GetTask(ctx context.Context, taskID int64) (*model.Task, error) {
	var task *model.Task
	err := s.withLock(ctx, func() error {
		var err error
		task, err = s.loadLocked(ctx, taskID)
		return err
	})
	return task, err
}

// Rebuild discards the project's ready queue and rebuilds it from the store.
// It returns the new queue depth.
func (s *Scheduler) Rebuild(ctx context.Context, projectID int64) (int, error) {
	var depth int
	err := s.withLock(ctx, func() error {
		delete(s.queues, projectID)
		queue, err := s.queueLocked(ctx, projectID)
		if err != nil {
			return err
		}
		depth = queue.Len()
		return nil
	})
	return depth, err
}

// Stats returns the depth of every ready queue, ordered by project
func (s *Scheduler) Stats() []model.QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]model.QueueStats, 0, len(s.queues))
	for projectID, queue := range s.queues {
		stats = append(stats, model.QueueStats{ProjectID: projectID, Depth: queue.Len()})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ProjectID < stats[j].ProjectID })
	return stats
}

// queueLocked returns the project's ready queue, hydrating it from the store
// on first use.
func (s *Scheduler) queueLocked(ctx context.Context, projectID int64) (*ReadyQueue, error) {
	if queue, ok := s.queues[projectID]; ok {
		return queue, nil
	}

	tasks, err := s.store.GetTasksByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project %d: %w", projectID, err)
	}

	queue := NewReadyQueue(projectID, s.deadlineWindow, s.logger)
	for _, task := range tasks {
		switch {
		case task.Status == model.TaskStatusReady:
			queue.Push(task)
		case task.Status == model.TaskStatusRetrying && task.Requeued():
			queue.Push(task)
		}
	}
	s.queues[projectID] = queue

	s.logger.Debug("Ready queue hydrated",
		zap.Int64("project_id", projectID),
		zap.Int("depth", queue.Len()))
	return queue, nil
}

func (s *Scheduler) dequeueLocked(task *model.Task) {
	if queue, ok := s.queues[task.ProjectID]; ok {
		queue.Remove(task.ID)
	}
}

// loadLocked fetches a task, reporting a missing one as a *StateError
func (s *Scheduler) loadLocked(ctx context.Context, taskID int64) (*model.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			return nil, &StateError{TaskID: taskID, Kind: ErrTaskNotFound}
		}
		return nil, fmt.Errorf("failed to load task %d: %w", taskID, err)
	}
	return task, nil
}
