package model

import "time"

// AlertType identifies what an alert rule watches
type AlertType string

const (
	AlertTypeTaskFailure AlertType = "task_failure"
	AlertTypeDeadlock    AlertType = "deadlock"
	AlertTypeQueueDepth  AlertType = "queue_depth"
)

// AlertSeverity ranks alerts
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertRule describes a condition that raises an alert
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      AlertType     `json:"type"`
	Severity  AlertSeverity `json:"severity"`
	ProjectID int64         `json:"project_id,omitempty"` // zero matches every project
	Threshold float64       `json:"threshold,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Alert is a raised rule
type Alert struct {
	ID        string         `json:"id"`
	RuleID    string         `json:"rule_id"`
	Type      AlertType      `json:"type"`
	Severity  AlertSeverity  `json:"severity"`
	ProjectID int64          `json:"project_id,omitempty"`
	TaskID    int64          `json:"task_id,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SchedulerMetrics is a periodic snapshot of host and queue load
type SchedulerMetrics struct {
	Timestamp   time.Time    `json:"timestamp"`
	CPUUsage    float64      `json:"cpu_usage"`
	MemoryUsage float64      `json:"memory_usage"`
	TotalDepth  int          `json:"total_depth"`
	Queues      []QueueStats `json:"queues"`
}
