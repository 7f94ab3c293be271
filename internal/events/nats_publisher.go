package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/model"
)

const (
	eventStreamName    = "TASKFLOW"
	eventSubjectPrefix = "taskflow."
	streamMaxAge       = 24 * time.Hour
	streamMaxMsgs      = -1
	operationTimeout   = 30 * time.Second
)

// EventSubject returns the subject an event of the given type is published on
func EventSubject(eventType model.EventType) string {
	return eventSubjectPrefix + string(eventType)
}

// RetryConfig configures the exponential backoff used for publishing
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns the publish retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

// NATSPublisher publishes lifecycle events to a JetStream stream, retrying
// with exponential backoff behind a circuit breaker.
type NATSPublisher struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
}

// NewNATSPublisher creates the event stream if needed and returns a publisher
func NewNATSPublisher(js nats.JetStreamContext, retry RetryConfig, logger *zap.Logger) (*NATSPublisher, error) {
	logger = logger.Named("event-publisher")
	p := &NATSPublisher{
		logger: logger,
		js:     js,
		retry:  retry,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "nats-publish",
			MaxRequests: 3,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("Circuit breaker state changed",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			},
		}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := ensureStream(ctx, js, &nats.StreamConfig{
		Name:     eventStreamName,
		Subjects: []string{eventSubjectPrefix + ">"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
	}, logger); err != nil {
		return nil, fmt.Errorf("failed to setup event stream: %w", err)
	}

	return p, nil
}

// Publish implements Publisher. The event ID doubles as the JetStream
// message ID so retried publishes are deduplicated.
func (p *NATSPublisher) Publish(ctx context.Context, event *model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := EventSubject(event.Type)

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := p.breaker.Execute(func() (interface{}, error) {
			return p.js.Publish(subject, data, nats.MsgId(event.ID), nats.Context(ctx))
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			p.logger.Debug("Publish attempt failed", zap.String("subject", subject), zap.Error(err))
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.retry.InitialInterval
	policy.MaxInterval = p.retry.MaxInterval
	policy.MaxElapsedTime = p.retry.MaxElapsedTime

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// ensureStream creates the stream unless it already exists
func ensureStream(ctx context.Context, js nats.JetStreamContext, cfg *nats.StreamConfig, logger *zap.Logger) error {
	_, err := js.StreamInfo(cfg.Name, nats.Context(ctx))
	if err == nil {
		logger.Info("Using existing stream", zap.String("stream", cfg.Name))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if _, err := js.AddStream(cfg, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	logger.Info("Created stream", zap.String("stream", cfg.Name), zap.Strings("subjects", cfg.Subjects))
	return nil
}
