package scheduler

import (
	"container/heap"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/model"
)

const (
	deadlineBoost = 2
	blockingBoost = 1

	defaultDeadlineWindow = time.Hour
)

// queueEntry is one task held by the ready queue. base is the priority the
// task was pushed with; boost is recomputed on every ApplyBoosts pass.
type queueEntry struct {
	task  *model.Task
	base  int
	boost int
	seq   uint64
	index int
}

func (e *queueEntry) priority() int {
	return e.base + e.boost
}

// entryHeap implements heap.Interface over queue entries
type entryHeap []*queueEntry

func (h entryHeap) Len() int { return len(h) }

// Less orders by effective priority, then by arrival
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority() != h[j].priority() {
		return h[i].priority() > h[j].priority()
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	entry := x.(*queueEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// ReadyQueue is the per-project priority queue of dispatchable tasks. It is
// not safe for concurrent use; the Scheduler serializes access.
type ReadyQueue struct {
	logger         *zap.Logger
	projectID      int64
	deadlineWindow time.Duration
	entries        entryHeap
	byID           map[int64]*queueEntry
	seq            uint64
}

// NewReadyQueue creates an empty queue for a project
func NewReadyQueue(projectID int64, deadlineWindow time.Duration, logger *zap.Logger) *ReadyQueue {
	if deadlineWindow <= 0 {
		deadlineWindow = defaultDeadlineWindow
	}
	return &ReadyQueue{
		logger:         logger.Named("ready-queue").With(zap.Int64("project_id", projectID)),
		projectID:      projectID,
		deadlineWindow: deadlineWindow,
		byID:           make(map[int64]*queueEntry),
	}
}

// Push inserts the task using its current priority. Pushing a task that is
// already queued refreshes it in place and keeps its arrival position.
func (q *ReadyQueue) Push(task *model.Task) {
	if entry, ok := q.byID[task.ID]; ok {
		entry.task = task.Clone()
		entry.base = task.Priority
		entry.boost = 0
		heap.Fix(&q.entries, entry.index)
		return
	}

	q.seq++
	entry := &queueEntry{
		task: task.Clone(),
		base: task.Priority,
		seq:  q.seq,
	}
	heap.Push(&q.entries, entry)
	q.byID[task.ID] = entry
}

// PopHighest removes and returns the highest priority task. The returned task
// carries its base priority.
func (q *ReadyQueue) PopHighest() (*model.Task, bool) {
	if q.entries.Len() == 0 {
		return nil, false
	}
	entry := heap.Pop(&q.entries).(*queueEntry)
	delete(q.byID, entry.task.ID)
	return entry.task, true
}

// Remove drops the task from the queue, reporting whether it was present
func (q *ReadyQueue) Remove(taskID int64) bool {
	entry, ok := q.byID[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.entries, entry.index)
	delete(q.byID, taskID)
	return true
}

// Contains reports whether the task is queued
func (q *ReadyQueue) Contains(taskID int64) bool {
	_, ok := q.byID[taskID]
	return ok
}

// Len returns the number of queued tasks
func (q *ReadyQueue) Len() int {
	return q.entries.Len()
}

// Tasks returns a snapshot in pop order. Each task's Priority is its
// effective priority including boosts.
func (q *ReadyQueue) Tasks() []*model.Task {
	entries := make([]*queueEntry, len(q.entries))
	copy(entries, q.entries)
	sort.Slice(entries, func(i, j int) bool {
		return entryHeap(entries).Less(i, j)
	})

	tasks := make([]*model.Task, 0, len(entries))
	for _, entry := range entries {
		task := entry.task.Clone()
		task.Priority = entry.priority()
		tasks = append(tasks, task)
	}
	return tasks
}

// ApplyBoosts recomputes every entry's transient boost and re-keys the heap.
// blocking holds the ids that a non-completed task depends on. It returns
// the number of boosted entries.
func (q *ReadyQueue) ApplyBoosts(now time.Time, blocking map[int64]bool) int {
	boosted := 0
	for _, entry := range q.entries {
		boost := 0
		if d := entry.task.Deadline; d != nil && d.Sub(now) <= q.deadlineWindow {
			boost += deadlineBoost
		}
		if blocking[entry.task.ID] {
			boost += blockingBoost
		}
		if boost > 0 {
			boosted++
		}
		if boost != entry.boost {
			q.logger.Debug("Priority boost changed",
				zap.Int64("task_id", entry.task.ID),
				zap.Int("base", entry.base),
				zap.Int("boost", boost))
		}
		entry.boost = boost
	}
	heap.Init(&q.entries)
	return boosted
}
