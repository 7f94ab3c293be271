package scheduler

import (
	"github.com/taskflow/orchestrator/internal/model"
)

// transitions is the lifecycle table. Statuses with no entry are terminal.
// A task without a status enters the lifecycle as pending or ready.
var transitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskStatusUnset:    {model.TaskStatusPending, model.TaskStatusReady},
	model.TaskStatusPending:  {model.TaskStatusReady},
	model.TaskStatusReady:    {model.TaskStatusRunning},
	model.TaskStatusRunning:  {model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusBlocked, model.TaskStatusCancelled},
	model.TaskStatusFailed:   {model.TaskStatusRetrying, model.TaskStatusCancelled},
	model.TaskStatusRetrying: {model.TaskStatusRunning},
	model.TaskStatusBlocked:  {model.TaskStatusReady, model.TaskStatusCancelled},
}

// StateMachine validates and applies task status changes
type StateMachine struct{}

// NewStateMachine creates a new state machine
func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

// CanTransition reports whether from -> to is a legal edge
func (m *StateMachine) CanTransition(from, to model.TaskStatus) bool {
	if !to.Valid() {
		return false
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the task to the target status or returns a *StateError
// leaving the task untouched.
func (m *StateMachine) Transition(task *model.Task, to model.TaskStatus) error {
	if !m.CanTransition(task.Status, to) {
		return &StateError{
			TaskID: task.ID,
			From:   task.Status,
			To:     to,
			Kind:   ErrInvalidTransition,
		}
	}
	task.Status = to
	return nil
}

// AllowedTargets returns the statuses reachable in one step from the given status
func (m *StateMachine) AllowedTargets(from model.TaskStatus) []model.TaskStatus {
	return append([]model.TaskStatus(nil), transitions[from]...)
}

// IsTerminal reports whether no transition leaves the status
func (m *StateMachine) IsTerminal(status model.TaskStatus) bool {
	return len(transitions[status]) == 0
}
