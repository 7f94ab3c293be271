package model

import "time"

// EventType identifies a scheduler lifecycle event
type EventType string

const (
	EventTaskScheduled EventType = "task.scheduled"
	EventTaskPromoted  EventType = "task.promoted"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskRetrying  EventType = "task.retrying"
	EventTaskRequeued  EventType = "task.requeued"
	EventTaskBlocked   EventType = "task.blocked"
	EventTaskCancelled EventType = "task.cancelled"
	EventDeadlock      EventType = "project.deadlock"
)

// Event represents a state change emitted by the scheduler
type Event struct {
	ID        string     `json:"id"`
	Type      EventType  `json:"type"`
	ProjectID int64      `json:"project_id"`
	TaskID    int64      `json:"task_id,omitempty"`
	From      TaskStatus `json:"from,omitempty"`
	To        TaskStatus `json:"to,omitempty"`
	Priority  int        `json:"priority,omitempty"`
	Message   string     `json:"message,omitempty"`
	Cycle     []int64    `json:"cycle,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// QueueStats is a point-in-time view of one project's ready queue
type QueueStats struct {
	ProjectID int64 `json:"project_id"`
	Depth     int   `json:"depth"`
}
