package scheduler

import (
	"errors"
	"fmt"

	"github.com/taskflow/orchestrator/internal/model"
	"github.com/taskflow/orchestrator/internal/storage"
)

var (
	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = storage.ErrTaskNotFound

	// ErrCircularDependency is returned when a circular dependency is detected
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrDependencyNotFound is returned when a declared dependency does not exist
	ErrDependencyNotFound = errors.New("dependency not found")

	// ErrDeadlock is returned when a project cannot make progress because of a cycle
	ErrDeadlock = errors.New("deadlock detected")

	// ErrInvalidTransition is returned when a status change is not in the transition table
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoTaskAvailable is returned when a project has nothing ready to run
	ErrNoTaskAvailable = errors.New("no task available")

	// ErrProjectMismatch is returned when a task is used outside its project
	ErrProjectMismatch = errors.New("task belongs to a different project")
)

// DependencyError describes a dependency resolution failure
type DependencyError struct {
	TaskID       int64
	Dependencies []int64
	Cycle        []int64
	Kind         error
}

func (e *DependencyError) Error() string {
	switch {
	case len(e.Cycle) > 0:
		return fmt.Sprintf("task %d: %v: cycle %v", e.TaskID, e.Kind, e.Cycle)
	case len(e.Dependencies) > 0:
		return fmt.Sprintf("task %d: %v: %v", e.TaskID, e.Kind, e.Dependencies)
	default:
		return fmt.Sprintf("task %d: %v", e.TaskID, e.Kind)
	}
}

func (e *DependencyError) Unwrap() error {
	return e.Kind
}

// Permanent reports that retrying the same request cannot succeed
func (e *DependencyError) Permanent() bool { return true }

// StateError describes a rejected status transition
type StateError struct {
	TaskID int64
	From   model.TaskStatus
	To     model.TaskStatus
	Kind   error
}

func (e *StateError) Error() string {
	if e.To == model.TaskStatusUnset {
		return fmt.Sprintf("task %d: %v", e.TaskID, e.Kind)
	}
	return fmt.Sprintf("task %d: %v: %s -> %s", e.TaskID, e.Kind, e.From, e.To)
}

func (e *StateError) Unwrap() error {
	return e.Kind
}

// Permanent reports that retrying the same request cannot succeed
func (e *StateError) Permanent() bool { return true }
