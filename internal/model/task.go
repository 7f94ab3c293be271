package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusUnset     TaskStatus = ""
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusRetrying  TaskStatus = "retrying"
)

// AllStatuses lists every lifecycle status in declaration order.
var AllStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusReady,
	TaskStatusRunning,
	TaskStatusBlocked,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
	TaskStatusRetrying,
}

// Valid reports whether s is one of the known lifecycle statuses.
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s TaskStatus) String() string {
	if s == TaskStatusUnset {
		return "none"
	}
	return string(s)
}

// Metadata keys owned by the scheduler
const (
	MetaRetryCount   = "retry_count"
	MetaRetryAt      = "retry_at"
	MetaRequeuedAt   = "requeued_at"
	MetaLastError    = "last_error"
	MetaResult       = "result"
	MetaCancelReason = "cancel_reason"
	MetaBlockReason  = "block_reason"
	MetaCompletedAt  = "completed_at"
	MetaFailedAt     = "failed_at"
	MetaDependencies = "dependencies"
)

// Metadata is the open key/value bag attached to a task
type Metadata map[string]any

// Task represents a unit of schedulable work
type Task struct {
	ID           int64      `json:"id"`
	ProjectID    int64      `json:"project_id"`
	Name         string     `json:"name"`
	Status       TaskStatus `json:"status"`
	Priority     int        `json:"priority"`
	Dependencies []int64    `json:"dependencies,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	Metadata     Metadata   `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the task so callers can't mutate shared state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]int64(nil), t.Dependencies...)
	}
	if t.Deadline != nil {
		d := *t.Deadline
		cp.Deadline = &d
	}
	cp.Metadata = t.Metadata.Clone()
	return &cp
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusCancelled
}

// RetryCount returns the persisted retry counter, zero when absent.
func (t *Task) RetryCount() int {
	n, _ := toInt(t.Metadata[MetaRetryCount])
	return n
}

// RetryAt returns the "not eligible before" timestamp, if any.
func (t *Task) RetryAt() (time.Time, bool) {
	switch v := t.Metadata[MetaRetryAt].(type) {
	case time.Time:
		return v, true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	default:
		return time.Time{}, false
	}
}

// Requeued reports whether a retrying task has already been re-admitted to
// its project's ready queue.
func (t *Task) Requeued() bool {
	_, ok := t.Metadata[MetaRequeuedAt]
	return ok
}

// DeclaredDependencies returns the dependency ids the task declares. The typed
// Dependencies field wins; otherwise the raw "dependencies" metadata entry is
// parsed. A malformed entry yields an error and no ids.
func (t *Task) DeclaredDependencies() ([]int64, error) {
	if len(t.Dependencies) > 0 {
		return t.Dependencies, nil
	}
	raw, ok := t.Metadata[MetaDependencies]
	if !ok || raw == nil {
		return nil, nil
	}
	return ParseDependencyList(raw)
}

// ParseDependencyList converts a loosely typed dependency declaration into ids.
// Accepted forms: []int64, []int, []any of numbers or numeric strings, a
// comma separated string ("1,2,3") or a JSON array string ("[1,2]").
func ParseDependencyList(raw any) ([]int64, error) {
	switch v := raw.(type) {
	case []int64:
		return append([]int64(nil), v...), nil
	case []int:
		ids := make([]int64, 0, len(v))
		for _, id := range v {
			ids = append(ids, int64(id))
		}
		return ids, nil
	case []any:
		ids := make([]int64, 0, len(v))
		for _, item := range v {
			id, err := toInt64(item)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		if strings.HasPrefix(s, "[") {
			var items []any
			if err := json.Unmarshal([]byte(s), &items); err != nil {
				return nil, fmt.Errorf("malformed dependency list %q: %w", s, err)
			}
			return ParseDependencyList(items)
		}
		parts := strings.Split(s, ",")
		ids := make([]int64, 0, len(parts))
		for _, part := range parts {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed dependency id %q: %w", part, err)
			}
			ids = append(ids, id)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("unsupported dependency declaration of type %T", raw)
	}
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	cp := make(Metadata, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Merge applies patch on top of m and returns the result. A nil value in the
// patch removes the key.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := m.Clone()
	if out == nil {
		out = make(Metadata, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("non-integral dependency id %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed dependency id %q: %w", n, err)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("unsupported dependency id type %T", v)
	}
}

func toInt(v any) (int, bool) {
	n, err := toInt64(v)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

// TaskResult represents the outcome an agent reports for a task
type TaskResult struct {
	TaskID      int64          `json:"task_id"`
	AgentID     string         `json:"agent_id,omitempty"`
	Status      TaskStatus     `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}
