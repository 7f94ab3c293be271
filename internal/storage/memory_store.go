package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskflow/orchestrator/internal/model"
)

// MemoryStore implements TaskStore in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	tasks  map[int64]*model.Task
}

// NewMemoryStore creates an empty in-memory task store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[int64]*model.Task),
	}
}

// CreateTask implements TaskStore.CreateTask
func (s *MemoryStore) CreateTask(ctx context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	task.ID = s.nextID
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask implements TaskStore.GetTask
func (s *MemoryStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	return task.Clone(), nil
}

// GetTasksByProject implements TaskStore.GetTasksByProject
func (s *MemoryStore) GetTasksByProject(ctx context.Context, projectID int64) ([]*model.Task, error) {
	return s.filter(func(t *model.Task) bool { return t.ProjectID == projectID }), nil
}

// ListTasksByStatus implements TaskStore.ListTasksByStatus
func (s *MemoryStore) ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]*model.Task, error) {
	return s.filter(func(t *model.Task) bool { return t.Status == status }), nil
}

// UpdateTaskStatus implements TaskStore.UpdateTaskStatus
func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, id int64, status model.TaskStatus, patch model.Metadata) error {
	return s.update(id, func(t *model.Task) {
		t.Status = status
		if len(patch) > 0 {
			t.Metadata = t.Metadata.Merge(patch)
		}
	})
}

// UpdateTaskPriority implements TaskStore.UpdateTaskPriority
func (s *MemoryStore) UpdateTaskPriority(ctx context.Context, id int64, priority int) error {
	return s.update(id, func(t *model.Task) {
		t.Priority = priority
	})
}

// UpdateTaskMetadata implements TaskStore.UpdateTaskMetadata
func (s *MemoryStore) UpdateTaskMetadata(ctx context.Context, id int64, patch model.Metadata) error {
	return s.update(id, func(t *model.Task) {
		t.Metadata = t.Metadata.Merge(patch)
	})
}

// Close implements TaskStore.Close
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) update(id int64, apply func(*model.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	apply(task)
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) filter(keep func(*model.Task) bool) []*model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*model.Task
	for _, task := range s.tasks {
		if keep(task) {
			tasks = append(tasks, task.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}
