package inmemory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-agent/internal/jobs"
)

func waitForStatus(t *testing.T, store *Store, id string, want jobs.JobStatus) *jobs.DeliveryJob {
	t.Helper()
	var got *jobs.DeliveryJob
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestQueue_DeliversJobs(t *testing.T) {
	store := NewStore(0)
	q := NewQueue(10, store, WithWorkers(2))
	var handled atomic.Int32
	require.NoError(t, q.Start(context.Background(), func(ctx context.Context, job jobs.Job) error {
		handled.Add(1)
		return nil
	}))
	defer q.Close()

	job := &jobs.DeliveryJob{RecordID: "q-1", Sink: "log"}
	require.NoError(t, q.Publish(context.Background(), job))
	assert.NotEmpty(t, job.JobID)

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, "q-1", got.RecordID)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, int32(1), handled.Load())
}

func TestQueue_RetriesThenFails(t *testing.T) {
	store := NewStore(0)
	q := NewQueue(10, store, WithWorkers(1), WithRetryBackoff(time.Millisecond))
	var calls atomic.Int32
	require.NoError(t, q.Start(context.Background(), func(ctx context.Context, job jobs.Job) error {
		calls.Add(1)
		return errors.New("sink unavailable")
	}))
	defer q.Close()

	job := &jobs.DeliveryJob{RecordID: "q-2", Sink: "gcs", MaxRetries: 2}
	require.NoError(t, q.Publish(context.Background(), job))

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "sink unavailable", got.Error)
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueue_PublishNeverBlocks(t *testing.T) {
	store := NewStore(0)
	q := NewQueue(1, store)

	require.NoError(t, q.Publish(context.Background(), &jobs.DeliveryJob{Sink: "log"}))

	dropped := &jobs.DeliveryJob{Sink: "log"}
	done := make(chan error, 1)
	go func() { done <- q.Publish(context.Background(), dropped) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, jobs.ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	got, err := store.GetJob(context.Background(), dropped.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusFailed, got.Status)
	assert.Equal(t, 1, q.Pending())
}

func TestQueue_StopDrainsBufferedJobs(t *testing.T) {
	store := NewStore(0)
	q := NewQueue(10, store, WithWorkers(1))
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Publish(context.Background(), &jobs.DeliveryJob{Sink: "log"}))
	}

	var handled atomic.Int32
	require.NoError(t, q.Start(context.Background(), func(ctx context.Context, job jobs.Job) error {
		handled.Add(1)
		return nil
	}))
	require.NoError(t, q.Stop(context.Background()))

	assert.Equal(t, int32(5), handled.Load())
	assert.ErrorIs(t, q.Publish(context.Background(), &jobs.DeliveryJob{}), jobs.ErrQueueClosed)
}

func TestStore_ListFiltersAndEvicts(t *testing.T) {
	ctx := context.Background()
	store := NewStore(3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, sink := range []string{"log", "gcs", "log", "redis"} {
		require.NoError(t, store.SaveJob(ctx, &jobs.DeliveryJob{
			JobID:     string(rune('a' + i)),
			Sink:      sink,
			Status:    jobs.JobStatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	_, err := store.GetJob(ctx, "a")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound, "oldest job evicted")

	all, err := store.ListJobs(ctx, jobs.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "d", all[0].JobID, "newest first")

	logs, err := store.ListJobs(ctx, jobs.JobFilter{Sink: "log"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "c", logs[0].JobID)

	page, err := store.ListJobs(ctx, jobs.JobFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].JobID)

	require.NoError(t, store.UpdateJobStatus(ctx, "b", jobs.JobStatusFailed, "boom"))
	b, err := store.GetJob(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusFailed, b.Status)
	assert.Equal(t, "boom", b.Error)
}
