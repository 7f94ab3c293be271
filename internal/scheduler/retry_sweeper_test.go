package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/model"
)

func TestRetrySweeperInvalidSchedule(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewRetrySweeper(env.sched, "every now and then", zap.NewNop())
	assert.Error(t, err)
}

func TestRetrySweeperSweep(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 5})
	env.startTask(t, 1, a.ID)
	_, err := env.sched.MarkFailed(ctx, a.ID, "Connection timeout")
	require.NoError(t, err)

	sweeper, err := NewRetrySweeper(env.sched, "*/1 * * * * *", zap.NewNop())
	require.NoError(t, err)

	count, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	env.clock.Advance(time.Minute)
	count, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, sweeper.Requeued())
	assert.Equal(t, env.clock.Now(), sweeper.LastSweep())

	env.startTask(t, 1, a.ID)
}

func TestRetrySweeperRunsOnSchedule(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := env.schedule(t, &model.Task{ProjectID: 1, Priority: 5})
	env.startTask(t, 1, a.ID)
	_, err := env.sched.MarkFailed(ctx, a.ID, "Connection timeout")
	require.NoError(t, err)
	env.clock.Advance(time.Hour)

	sweeper, err := NewRetrySweeper(env.sched, "* * * * * *", zap.NewNop())
	require.NoError(t, err)
	assert.True(t, sweeper.NextRun().IsZero())

	require.NoError(t, sweeper.Start(ctx))
	defer sweeper.Stop()
	assert.Eventually(t, func() bool {
		return !sweeper.NextRun().IsZero()
	}, 5*time.Second, 50*time.Millisecond)

	assert.Eventually(t, func() bool {
		return sweeper.Requeued() == 1
	}, 5*time.Second, 50*time.Millisecond)

	ready, err := env.sched.GetReadyTasks(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, taskIDs(ready))
}
