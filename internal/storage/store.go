package storage

import (
	"context"
	"errors"

	"github.com/taskflow/orchestrator/internal/model"
)

// ErrTaskNotFound is returned when a task id does not resolve to a record
var ErrTaskNotFound = errors.New("task not found")

// TaskStore is the durable repository the scheduler reads and writes task
// records through. Implementations must make UpdateTaskStatus atomic with
// respect to concurrent reads of the same task.
type TaskStore interface {
	// CreateTask persists a new task and assigns its ID
	CreateTask(ctx context.Context, task *model.Task) error

	// GetTask retrieves a task by ID, returning ErrTaskNotFound if absent
	GetTask(ctx context.Context, id int64) (*model.Task, error)

	// GetTasksByProject lists every task of a project ordered by ID
	GetTasksByProject(ctx context.Context, projectID int64) ([]*model.Task, error)

	// ListTasksByStatus lists tasks across all projects with the given status
	ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]*model.Task, error)

	// UpdateTaskStatus sets the status and merges the metadata patch
	UpdateTaskStatus(ctx context.Context, id int64, status model.TaskStatus, patch model.Metadata) error

	// UpdateTaskPriority sets the stored priority
	UpdateTaskPriority(ctx context.Context, id int64, priority int) error

	// UpdateTaskMetadata merges the metadata patch without touching the status
	UpdateTaskMetadata(ctx context.Context, id int64, patch model.Metadata) error

	// Close releases the underlying resources
	Close() error
}
