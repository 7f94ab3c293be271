package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/model"
)

const (
	resultStreamName     = "RESULTS"
	resultSubjectPrefix  = "task.result."
	resultConsumerName   = "taskflow-results"
	resultDeliverSubject = "deliver.taskflow-results"
	resultAckWait        = 30 * time.Second
	resultMaxDeliver     = 10
	resultRedelivery     = 5 * time.Second
)

var errUnsupportedStatus = errors.New("unsupported result status")

// permanent is implemented by handler errors that redelivery cannot fix,
// such as an illegal transition or an unknown task.
type permanent interface {
	Permanent() bool
}

func isPermanent(err error) bool {
	if errors.Is(err, errUnsupportedStatus) {
		return true
	}
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// ResultSubject returns the subject an agent reports a task's outcome on
func ResultSubject(taskID int64) string {
	return resultSubjectPrefix + strconv.FormatInt(taskID, 10)
}

// ResultHandler applies reported outcomes to the scheduler
type ResultHandler interface {
	MarkComplete(ctx context.Context, taskID int64, result map[string]any) error
	MarkFailed(ctx context.Context, taskID int64, errMsg string) (model.TaskStatus, error)
}

// ResultListener consumes agent results from JetStream and feeds them to
// the scheduler.
type ResultListener struct {
	logger          *zap.Logger
	js              nats.JetStreamContext
	handler         ResultHandler
	sub             *nats.Subscription
	redeliveryDelay time.Duration
}

// NewResultListener creates the results stream if needed
func NewResultListener(js nats.JetStreamContext, handler ResultHandler, logger *zap.Logger) (*ResultListener, error) {
	logger = logger.Named("result-listener")

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	// Work queue retention removes a result once it is acknowledged.
	if err := ensureStream(ctx, js, &nats.StreamConfig{
		Name:      resultStreamName,
		Subjects:  []string{resultSubjectPrefix + "*"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    streamMaxAge,
		MaxMsgs:   streamMaxMsgs,
	}, logger); err != nil {
		return nil, fmt.Errorf("failed to setup result stream: %w", err)
	}

	if err := ensureConsumer(ctx, js, logger); err != nil {
		return nil, err
	}

	return &ResultListener{
		logger:          logger,
		js:              js,
		handler:         handler,
		redeliveryDelay: resultRedelivery,
	}, nil
}

// ensureConsumer creates the durable push consumer unless it already exists.
// Subscriptions bind to it, so draining one never deletes it.
func ensureConsumer(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger) error {
	_, err := js.ConsumerInfo(resultStreamName, resultConsumerName, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info: %w", err)
	}

	if _, err := js.AddConsumer(resultStreamName, &nats.ConsumerConfig{
		Durable:        resultConsumerName,
		DeliverSubject: resultDeliverSubject,
		FilterSubject:  resultSubjectPrefix + "*",
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        resultAckWait,
		MaxDeliver:     resultMaxDeliver,
	}, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to create result consumer: %w", err)
	}
	logger.Info("Created consumer", zap.String("stream", resultStreamName), zap.String("consumer", resultConsumerName))
	return nil
}

// Start binds to the durable consumer. Messages are handled with ctx.
func (l *ResultListener) Start(ctx context.Context) error {
	sub, err := l.js.Subscribe(resultSubjectPrefix+"*", func(msg *nats.Msg) {
		l.handle(ctx, msg)
	}, nats.Bind(resultStreamName, resultConsumerName), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe to results: %w", err)
	}
	l.sub = sub
	l.logger.Info("Listening for task results", zap.String("subject", resultSubjectPrefix+"*"))
	return nil
}

// Stop drains the subscription. The durable consumer and its acknowledged
// position survive for the next Start.
func (l *ResultListener) Stop() error {
	if l.sub == nil {
		return nil
	}
	return l.sub.Drain()
}

func (l *ResultListener) handle(ctx context.Context, msg *nats.Msg) {
	result, err := decodeResult(msg.Subject, msg.Data)
	if err != nil {
		l.logger.Error("Dropping malformed task result",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		msg.Term()
		return
	}

	if err := l.apply(ctx, result); err != nil {
		if isPermanent(err) {
			l.logger.Error("Rejected task result",
				zap.Int64("task_id", result.TaskID),
				zap.String("status", result.Status.String()),
				zap.Error(err))
			msg.Term()
			return
		}
		l.logger.Warn("Failed to apply task result, redelivering",
			zap.Int64("task_id", result.TaskID),
			zap.String("status", result.Status.String()),
			zap.Duration("delay", l.redeliveryDelay),
			zap.Error(err))
		msg.NakWithDelay(l.redeliveryDelay)
		return
	}
	msg.Ack()
}

func (l *ResultListener) apply(ctx context.Context, result *model.TaskResult) error {
	switch result.Status {
	case model.TaskStatusCompleted:
		if err := l.handler.MarkComplete(ctx, result.TaskID, result.Result); err != nil {
			return err
		}
		l.logger.Info("Applied completion",
			zap.Int64("task_id", result.TaskID),
			zap.String("agent_id", result.AgentID))
	case model.TaskStatusFailed:
		status, err := l.handler.MarkFailed(ctx, result.TaskID, result.Error)
		if err != nil {
			return err
		}
		l.logger.Info("Applied failure",
			zap.Int64("task_id", result.TaskID),
			zap.String("agent_id", result.AgentID),
			zap.String("outcome", status.String()))
	default:
		return fmt.Errorf("%w %q", errUnsupportedStatus, result.Status)
	}
	return nil
}

// decodeResult parses a result message. The task id in the subject wins
// when the payload omits it and must match when both are present.
func decodeResult(subject string, data []byte) (*model.TaskResult, error) {
	var result model.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task result: %w", err)
	}

	idPart := strings.TrimPrefix(subject, resultSubjectPrefix)
	subjectID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed task id in subject %q: %w", subject, err)
	}

	switch {
	case result.TaskID == 0:
		result.TaskID = subjectID
	case result.TaskID != subjectID:
		return nil, fmt.Errorf("task id %d does not match subject %q", result.TaskID, subject)
	}
	return &result, nil
}
