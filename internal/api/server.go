// Package api exposes the scheduler over HTTP for agents and operators.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/model"
	"github.com/taskflow/orchestrator/internal/scheduler"
)

// MetricsSource provides the latest metrics snapshot
type MetricsSource interface {
	Latest() *model.SchedulerMetrics
}

// AlertSource provides recently raised alerts
type AlertSource interface {
	Alerts() []*model.Alert
}

// Server is the scheduler HTTP API
type Server struct {
	scheduler *scheduler.Scheduler
	metrics   MetricsSource
	alerts    AlertSource
	logger    *zap.Logger
	timeout   time.Duration
}

// NewServer creates a new API server
func NewServer(s *scheduler.Scheduler, logger *zap.Logger) *Server {
	return &Server{
		scheduler: s,
		logger:    logger.Named("api"),
		timeout:   30 * time.Second,
	}
}

// SetMetrics enables GET /metrics
func (s *Server) SetMetrics(m MetricsSource) { s.metrics = m }

// SetAlerts enables GET /alerts
func (s *Server) SetAlerts(a AlertSource) { s.alerts = a }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/projects/{projectID}", func(r chi.Router) {
		r.Get("/ready", s.handleReadyTasks)
		r.Get("/blocked", s.handleBlockedTasks)
		r.Get("/deadlock", s.handleDeadlock)
		r.Post("/next", s.handleSelectNext)
		r.Post("/rebuild", s.handleRebuild)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleSchedule)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Get("/plan", s.handlePlan)
			r.Post("/complete", s.handleComplete)
			r.Post("/fail", s.handleFail)
			r.Post("/retry", s.handleRetry)
			r.Post("/cancel", s.handleCancel)
			r.Post("/block", s.handleBlock)
			r.Post("/unblock", s.handleUnblock)
		})
	})

	r.Get("/queues", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.scheduler.Stats())
	})

	if s.metrics != nil {
		r.Get("/metrics", s.handleMetrics)
	}
	if s.alerts != nil {
		r.Get("/alerts", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.alerts.Alerts())
		})
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
		},
	})
}
