package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/model"
	"github.com/taskflow/orchestrator/internal/scheduler"
)

type scheduleRequest struct {
	ProjectID    int64          `json:"project_id"`
	Name         string         `json:"name"`
	Priority     int            `json:"priority"`
	Dependencies []int64        `json:"dependencies,omitempty"`
	Deadline     *time.Time     `json:"deadline,omitempty"`
	Metadata     model.Metadata `json:"metadata,omitempty"`
}

type completeRequest struct {
	Result map[string]any `json:"result"`
}

type failRequest struct {
	Error string `json:"error"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type deadlockResponse struct {
	Deadlocked bool          `json:"deadlocked"`
	Cycle      []int64       `json:"cycle,omitempty"`
	Tasks      []*model.Task `json:"tasks,omitempty"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectID <= 0 {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	task := &model.Task{
		ProjectID:    req.ProjectID,
		Name:         req.Name,
		Priority:     req.Priority,
		Dependencies: req.Dependencies,
		Deadline:     req.Deadline,
		Metadata:     req.Metadata,
	}
	if err := s.scheduler.Schedule(r.Context(), task); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	task, err := s.scheduler.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	task, err := s.scheduler.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	plan, err := s.scheduler.ResolveOrder(r.Context(), task)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	if plan == nil {
		plan = []*model.Task{}
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleSelectNext(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	task, err := s.scheduler.SelectNext(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoTaskAvailable) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleReadyTasks(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	tasks, err := s.scheduler.GetReadyTasks(r.Context(), projectID)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleBlockedTasks(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	tasks, err := s.scheduler.GetBlockedTasks(r.Context(), projectID)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleDeadlock(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	cycle, err := s.scheduler.DetectDeadlock(r.Context(), projectID)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}

	resp := deadlockResponse{Deadlocked: len(cycle) > 0, Tasks: cycle}
	for _, task := range cycle {
		resp.Cycle = append(resp.Cycle, task.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	depth, err := s.scheduler.Rebuild(r.Context(), projectID)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.QueueStats{ProjectID: projectID, Depth: depth})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	var req completeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := s.scheduler.MarkComplete(r.Context(), taskID, req.Result); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.TaskStatusCompleted)})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := s.scheduler.MarkFailed(r.Context(), taskID, req.Error)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	requeued, err := s.scheduler.Retry(r.Context(), taskID)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"requeued": requeued})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	reason := decodeReason(r)
	if err := s.scheduler.Cancel(r.Context(), taskID, reason); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.TaskStatusCancelled)})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	if err := s.scheduler.Block(r.Context(), taskID, decodeReason(r)); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.TaskStatusBlocked)})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	if err := s.scheduler.Unblock(r.Context(), taskID); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.TaskStatusReady)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	latest := s.metrics.Latest()
	if latest == nil {
		writeError(w, http.StatusServiceUnavailable, "no metrics collected yet")
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

// writeSchedulerError maps scheduler errors onto status codes
func (s *Server) writeSchedulerError(w http.ResponseWriter, err error) {
	var depErr *scheduler.DependencyError
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrDeadlock) && errors.As(err, &depErr):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error": map[string]interface{}{
				"message": err.Error(),
				"cycle":   depErr.Cycle,
			},
		})
	case errors.Is(err, scheduler.ErrInvalidTransition),
		errors.Is(err, scheduler.ErrCircularDependency):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrDependencyNotFound),
		errors.Is(err, scheduler.ErrProjectMismatch):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func decodeReason(r *http.Request) string {
	var req reasonRequest
	if r.ContentLength == 0 {
		return ""
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ""
	}
	return req.Reason
}
