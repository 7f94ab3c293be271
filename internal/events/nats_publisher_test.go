package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/events"
	"github.com/taskflow/orchestrator/internal/model"
	"github.com/taskflow/orchestrator/internal/testutil"
)

func TestNATSPublisher(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	publisher, err := events.NewNATSPublisher(js, events.DefaultRetryConfig(), zap.NewNop())
	require.NoError(t, err)

	t.Run("Setup", func(t *testing.T) {
		stream, err := js.StreamInfo("TASKFLOW")
		require.NoError(t, err)
		assert.Equal(t, []string{"taskflow.>"}, stream.Config.Subjects)

		// A second publisher reuses the stream.
		_, err = events.NewNATSPublisher(js, events.DefaultRetryConfig(), zap.NewNop())
		require.NoError(t, err)
	})

	t.Run("Publish", func(t *testing.T) {
		event := &model.Event{
			ID:        uuid.New().String(),
			Type:      model.EventTaskStarted,
			ProjectID: 3,
			TaskID:    42,
			From:      model.TaskStatusReady,
			To:        model.TaskStatusRunning,
			Timestamp: time.Now().UTC(),
		}
		require.NoError(t, publisher.Publish(context.Background(), event))

		// Same ID again is deduplicated by the stream.
		require.NoError(t, publisher.Publish(context.Background(), event))

		messages, err := testutil.ConsumeMessages(js, events.EventSubject(model.EventTaskStarted), time.Second)
		require.NoError(t, err)
		require.Len(t, messages, 1)

		var got model.Event
		require.NoError(t, json.Unmarshal(messages[0], &got))
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, int64(42), got.TaskID)
		assert.Equal(t, model.TaskStatusRunning, got.To)
	})

	t.Run("Cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := publisher.Publish(ctx, &model.Event{ID: uuid.New().String(), Type: model.EventTaskFailed})
		assert.Error(t, err)
	})
}

func TestEventSubject(t *testing.T) {
	assert.Equal(t, "taskflow.task.completed", events.EventSubject(model.EventTaskCompleted))
	assert.Equal(t, "taskflow.project.deadlock", events.EventSubject(model.EventDeadlock))
	assert.Equal(t, "task.result.17", events.ResultSubject(17))
}

func TestMemoryPublisher(t *testing.T) {
	publisher := &events.MemoryPublisher{}
	require.NoError(t, publisher.Publish(context.Background(), &model.Event{Type: model.EventTaskScheduled}))
	require.NoError(t, publisher.Publish(context.Background(), &model.Event{Type: model.EventTaskStarted}))

	assert.Len(t, publisher.Events(), 2)
	assert.Equal(t, []model.EventType{model.EventTaskScheduled, model.EventTaskStarted}, publisher.Types())

	assert.NoError(t, events.NopPublisher{}.Publish(context.Background(), &model.Event{}))
}
