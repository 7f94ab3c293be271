package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/events"
	"github.com/taskflow/orchestrator/internal/model"
)

const (
	alertStreamName  = "ALERTS"
	alertHistorySize = 100
)

// AlertManager turns scheduler events and metrics snapshots into alerts
type AlertManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	rules  sync.Map
	mu     sync.Mutex
	recent []*model.Alert
	subs   []*nats.Subscription
}

// NewAlertManager creates a new alert manager. js may be nil, in which case
// alerts are only kept in memory.
func NewAlertManager(js nats.JetStreamContext, logger *zap.Logger) *AlertManager {
	return &AlertManager{
		logger: logger.Named("alert-manager"),
		js:     js,
	}
}

// Start creates the alert stream and subscribes to failure, deadlock and
// metrics subjects.
func (m *AlertManager) Start(ctx context.Context) error {
	if m.js == nil {
		return nil
	}

	if _, err := m.js.StreamInfo(alertStreamName); err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		if _, err := m.js.AddStream(&nats.StreamConfig{
			Name:     alertStreamName,
			Subjects: []string{"alert.*"},
			Storage:  nats.FileStorage,
		}); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	eventHandler := func(msg *nats.Msg) {
		var event model.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			m.logger.Error("Failed to unmarshal event", zap.Error(err))
			return
		}
		m.HandleEvent(ctx, &event)
	}
	for _, subject := range []string{
		events.EventSubject(model.EventTaskFailed),
		events.EventSubject(model.EventDeadlock),
	} {
		sub, err := m.js.Subscribe(subject, eventHandler, nats.DeliverNew())
		if err != nil {
			m.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		m.subs = append(m.subs, sub)
	}

	sub, err := m.js.Subscribe(metricsSubject, func(msg *nats.Msg) {
		var metrics model.SchedulerMetrics
		if err := json.Unmarshal(msg.Data, &metrics); err != nil {
			m.logger.Error("Failed to unmarshal metrics", zap.Error(err))
			return
		}
		m.EvaluateMetrics(ctx, &metrics)
	}, nats.DeliverNew())
	if err != nil {
		m.Stop()
		return fmt.Errorf("failed to subscribe to metrics: %w", err)
	}
	m.subs = append(m.subs, sub)

	m.logger.Info("Alert manager started")
	return nil
}

// Stop removes every subscription
func (m *AlertManager) Stop() {
	for _, sub := range m.subs {
		sub.Unsubscribe()
	}
	m.subs = nil
}

// AddRule registers a rule, assigning an ID when missing
func (m *AlertManager) AddRule(rule *model.AlertRule) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now().UTC()
	m.rules.Store(rule.ID, rule)
}

// DeleteRule removes a rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.LoadAndDelete(id); !ok {
		return fmt.Errorf("rule not found: %s", id)
	}
	return nil
}

// Rules returns the registered rules ordered by name
func (m *AlertManager) Rules() []*model.AlertRule {
	var rules []*model.AlertRule
	m.rules.Range(func(_, value interface{}) bool {
		rules = append(rules, value.(*model.AlertRule))
		return true
	})
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

// Alerts returns the most recent alerts, oldest first
func (m *AlertManager) Alerts() []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Alert(nil), m.recent...)
}

// HandleEvent raises alerts for terminal failures and deadlocks
func (m *AlertManager) HandleEvent(ctx context.Context, event *model.Event) {
	var alertType model.AlertType
	switch event.Type {
	case model.EventTaskFailed:
		alertType = model.AlertTypeTaskFailure
	case model.EventDeadlock:
		alertType = model.AlertTypeDeadlock
	default:
		return
	}

	m.forEachRule(alertType, event.ProjectID, func(rule *model.AlertRule) {
		data := map[string]any{"event_id": event.ID}
		message := fmt.Sprintf("%s: task %d failed: %s", rule.Name, event.TaskID, event.Message)
		if alertType == model.AlertTypeDeadlock {
			data["cycle"] = event.Cycle
			message = fmt.Sprintf("%s: project %d deadlocked on %v", rule.Name, event.ProjectID, event.Cycle)
		}
		m.raise(ctx, rule, event.ProjectID, event.TaskID, message, data)
	})
}

// EvaluateMetrics raises queue depth alerts for projects over threshold
func (m *AlertManager) EvaluateMetrics(ctx context.Context, metrics *model.SchedulerMetrics) {
	for _, queue := range metrics.Queues {
		queue := queue
		m.forEachRule(model.AlertTypeQueueDepth, queue.ProjectID, func(rule *model.AlertRule) {
			if float64(queue.Depth) <= rule.Threshold {
				return
			}
			message := fmt.Sprintf("%s: project %d has %d ready tasks", rule.Name, queue.ProjectID, queue.Depth)
			m.raise(ctx, rule, queue.ProjectID, 0, message, map[string]any{
				"depth":     queue.Depth,
				"threshold": rule.Threshold,
			})
		})
	}
}

func (m *AlertManager) forEachRule(alertType model.AlertType, projectID int64, fn func(*model.AlertRule)) {
	for _, rule := range m.Rules() {
		if rule.Type != alertType {
			continue
		}
		if rule.ProjectID != 0 && rule.ProjectID != projectID {
			continue
		}
		fn(rule)
	}
}

func (m *AlertManager) raise(ctx context.Context, rule *model.AlertRule, projectID, taskID int64, message string, data map[string]any) {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		ProjectID: projectID,
		TaskID:    taskID,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > alertHistorySize {
		m.recent = m.recent[len(m.recent)-alertHistorySize:]
	}
	m.mu.Unlock()

	m.logger.Warn("Alert raised",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message))

	if m.js == nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		m.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}
	if _, err := m.js.Publish("alert."+string(alert.Type), payload, nats.Context(ctx)); err != nil {
		m.logger.Error("Failed to publish alert", zap.String("id", alert.ID), zap.Error(err))
	}
}

// DefaultRules returns the rules installed by the serve command
func DefaultRules() []*model.AlertRule {
	return []*model.AlertRule{
		{Name: "deadlock", Type: model.AlertTypeDeadlock, Severity: model.AlertSeverityCritical},
		{Name: "task-failure", Type: model.AlertTypeTaskFailure, Severity: model.AlertSeverityWarning},
		{Name: "queue-depth", Type: model.AlertTypeQueueDepth, Severity: model.AlertSeverityInfo, Threshold: 100},
	}
}
