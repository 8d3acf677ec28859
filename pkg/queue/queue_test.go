package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lqt0707/monitor-sub002/internal/models"
)

func newTestFabric(t *testing.T) (*Fabric, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, nil), mr
}

func TestAdd_ThenReserve_ReturnsJobInPriorityOrder(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	_, err := f.Add(ctx, QueueErrorProcessing, "t1", []byte(`{}`), models.PriorityLow)
	require.NoError(t, err)
	_, err = f.Add(ctx, QueueErrorProcessing, "t2", []byte(`{}`), models.PriorityCritical)
	require.NoError(t, err)

	job, ok, err := f.Reserve(ctx, QueueErrorProcessing)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t2", job.Type, "critical priority job should reserve first")
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, models.JobActive, job.State)
}

func TestReserve_EmptyQueueReturnsNotOK(t *testing.T) {
	f, _ := newTestFabric(t)
	_, ok, err := f.Reserve(context.Background(), QueueAIDiagnosis)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdd_PausedQueueRejectsNewJobs(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()
	require.NoError(t, f.Pause(ctx, QueueEmailNotification))

	_, err := f.Add(ctx, QueueEmailNotification, "t", []byte(`{}`), models.PriorityNormal)
	assert.ErrorIs(t, err, ErrPaused)

	require.NoError(t, f.Resume(ctx, QueueEmailNotification))
	_, err = f.Add(ctx, QueueEmailNotification, "t", []byte(`{}`), models.PriorityNormal)
	assert.NoError(t, err)
}

func TestFail_RequeuesDelayedUntilMaxAttemptsThenMovesToFailed(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()
	f.policies[QueueErrorProcessing] = Policy{MaxAttempts: 2, BackoffBase: time.Second, BackoffMax: 5 * time.Second, RetentionCompleted: 100, RetentionFailed: 100, StalledTimeout: time.Minute, MaxStalled: 1}

	id, err := f.Add(ctx, QueueErrorProcessing, "t", []byte(`{}`), models.PriorityNormal)
	require.NoError(t, err)

	job, ok, err := f.Reserve(ctx, QueueErrorProcessing)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, job.ID)

	require.NoError(t, f.Fail(ctx, QueueErrorProcessing, job.ID, errors.New("boom")))
	stat, err := f.Stat(ctx, QueueErrorProcessing)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stat.Delayed)

	time.Sleep(2 * time.Second)
	n, err := f.PromoteDelayed(ctx, QueueErrorProcessing)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job2, ok, err := f.Reserve(ctx, QueueErrorProcessing)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, job2.Attempts)

	require.NoError(t, f.Fail(ctx, QueueErrorProcessing, job2.ID, errors.New("boom again")))
	stat, err = f.Stat(ctx, QueueErrorProcessing)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stat.Failed)
	assert.EqualValues(t, 0, stat.Delayed)
}

func TestRecoverStalled_RequeuesJobsPastStalledTimeout(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()
	f.policies[QueueErrorProcessing] = Policy{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: 5 * time.Second, RetentionCompleted: 100, RetentionFailed: 100, StalledTimeout: time.Second, MaxStalled: 1}

	_, err := f.Add(ctx, QueueErrorProcessing, "t", []byte(`{}`), models.PriorityNormal)
	require.NoError(t, err)
	_, ok, err := f.Reserve(ctx, QueueErrorProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(2 * time.Second)
	n, err := f.RecoverStalled(ctx, QueueErrorProcessing)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stat, err := f.Stat(ctx, QueueErrorProcessing)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stat.Waiting)
	assert.EqualValues(t, 0, stat.Active)
}

func TestRecoverStalled_FailsJobPastMaxStalled(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()
	f.policies[QueueErrorProcessing] = Policy{MaxAttempts: 5, BackoffBase: time.Second, BackoffMax: 5 * time.Second, RetentionCompleted: 100, RetentionFailed: 100, StalledTimeout: time.Second, MaxStalled: 1}

	_, err := f.Add(ctx, QueueErrorProcessing, "t", []byte(`{}`), models.PriorityNormal)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, ok, err := f.Reserve(ctx, QueueErrorProcessing)
		require.NoError(t, err)
		require.True(t, ok)
		time.Sleep(2 * time.Second)
		_, err = f.RecoverStalled(ctx, QueueErrorProcessing)
		require.NoError(t, err)
	}

	stat, err := f.Stat(ctx, QueueErrorProcessing)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stat.Waiting, "job should have been hard-failed, not requeued a second time")
	assert.EqualValues(t, 1, stat.Failed)
}

func TestWorker_ProcessesJobUntilQueueDrained(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := f.Add(ctx, QueueErrorAggregation, "t", []byte(`{}`), models.PriorityNormal)
	require.NoError(t, err)

	processed := make(chan struct{}, 1)
	worker := NewWorker(f, QueueErrorAggregation, func(_ context.Context, job *models.Job) error {
		processed <- struct{}{}
		return nil
	}, 10*time.Millisecond, nil)

	worker.Start(ctx)
	defer worker.Stop()

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not process job in time")
	}
}
