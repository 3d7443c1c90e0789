package queue_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/internal/queue"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupQueue(t *testing.T, opts queue.Options) (*queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if opts.Name == "" {
		opts.Name = "test:inference"
	}
	return queue.NewRedisQueue(client, opts, testLogger()), mr
}

func newSpec() *models.JobSpec {
	return &models.JobSpec{
		InferenceID:  uuid.NewString(),
		GoalVideo:    []byte("goal-bytes"),
		CurrentVideo: []byte("current-bytes"),
		Params:       models.InferenceParameters{FrameStep: 1, Detector: models.DetectorSIFT},
	}
}

func nextEvent(t *testing.T, q *queue.RedisQueue) queue.Event {
	t.Helper()
	select {
	case ev := <-q.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queue event")
		return queue.Event{}
	}
}

func assertNoEvent(t *testing.T, q *queue.RedisQueue) {
	t.Helper()
	select {
	case ev := <-q.Events():
		t.Fatalf("unexpected event %s for %s", ev.Type, ev.JobID)
	default:
	}
}

func TestEnqueue_EmitsWaiting(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()
	spec := newSpec()

	require.NoError(t, q.Enqueue(ctx, spec))

	ev := nextEvent(t, q)
	assert.Equal(t, queue.EventWaiting, ev.Type)
	assert.Equal(t, spec.InferenceID, ev.JobID)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestEnqueue_RequiresInferenceID(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	err := q.Enqueue(context.Background(), &models.JobSpec{})
	assert.ErrorIs(t, err, apperr.ErrQueue)
}

func TestEnqueue_RedisDown(t *testing.T) {
	q, mr := setupQueue(t, queue.Options{})
	mr.Close()

	err := q.Enqueue(context.Background(), newSpec())
	assert.ErrorIs(t, err, apperr.ErrQueue)
}

func TestDequeue_Empty(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestDequeue_FIFOAndPayload(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()
	first, second := newSpec(), newSpec()
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))
	nextEvent(t, q)
	nextEvent(t, q)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, first.InferenceID, d.ID)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, []byte("goal-bytes"), d.Spec.GoalVideo)
	assert.Equal(t, models.DetectorSIFT, d.Spec.Params.Detector)

	ev := nextEvent(t, q)
	assert.Equal(t, queue.EventActive, ev.Type)
	assert.Equal(t, first.InferenceID, ev.JobID)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
	assert.Equal(t, int64(1), counts.Active)
}

func TestComplete_DropsPayloadAndEmits(t *testing.T) {
	q, mr := setupQueue(t, queue.Options{Name: "test:inference"})
	ctx := context.Background()
	spec := newSpec()
	require.NoError(t, q.Enqueue(ctx, spec))
	nextEvent(t, q)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	nextEvent(t, q)

	require.NoError(t, q.Complete(ctx, d))
	ev := nextEvent(t, q)
	assert.Equal(t, queue.EventCompleted, ev.Type)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Active)
	assert.Equal(t, int64(1), counts.Completed)

	jobKey := "test:inference:job:" + spec.InferenceID
	assert.Empty(t, mr.HGet(jobKey, "data"))
	assert.Equal(t, 24*time.Hour, mr.TTL(jobKey))
}

func TestFail_RetriesWithoutWaitingEvent(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{Attempts: 3, Backoff: time.Millisecond})
	ctx := context.Background()
	spec := newSpec()
	require.NoError(t, q.Enqueue(ctx, spec))
	nextEvent(t, q)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	nextEvent(t, q)

	final, err := q.Fail(ctx, d, errors.New("backend unavailable"))
	require.NoError(t, err)
	assert.False(t, final)
	assertNoEvent(t, q)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)

	reason, err := q.FailedReason(ctx, spec.InferenceID)
	require.NoError(t, err)
	assert.Equal(t, "backend unavailable", reason)

	time.Sleep(10 * time.Millisecond)
	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 2, d.Attempt)
	assert.Equal(t, []byte("current-bytes"), d.Spec.CurrentVideo)
}

func TestFail_BackoffNotYetDue(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{Attempts: 3, Backoff: time.Hour})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newSpec()))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	_, err = q.Fail(ctx, d, errors.New("boom"))
	require.NoError(t, err)

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestFail_FinalAttemptEmitsFailed(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{Attempts: 2, Backoff: time.Millisecond})
	ctx := context.Background()
	spec := newSpec()
	require.NoError(t, q.Enqueue(ctx, spec))
	nextEvent(t, q)

	for attempt := 1; attempt <= 2; attempt++ {
		time.Sleep(5 * time.Millisecond)
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		nextEvent(t, q)

		final, err := q.Fail(ctx, d, errors.New("still broken"))
		require.NoError(t, err)
		assert.Equal(t, attempt == 2, final)
	}

	ev := nextEvent(t, q)
	assert.Equal(t, queue.EventFailed, ev.Type)
	assert.Equal(t, "still broken", ev.Reason)
	assert.Equal(t, 2, ev.Attempt)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Equal(t, int64(0), counts.Delayed)
}

func TestFail_PermanentSkipsRetry(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{Attempts: 5})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newSpec()))
	nextEvent(t, q)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	nextEvent(t, q)

	final, err := q.Fail(ctx, d, queue.Permanent(errors.New("job already aborted")))
	require.NoError(t, err)
	assert.True(t, final)

	ev := nextEvent(t, q)
	assert.Equal(t, queue.EventFailed, ev.Type)
	assert.Contains(t, ev.Reason, "job already aborted")
}

func TestRetention_CapsCompletedList(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{KeepCompleted: 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, newSpec()))
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, d))
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Completed)
}

func TestRequeueStalled(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{})
	ctx := context.Background()
	a, b := newSpec(), newSpec()
	require.NoError(t, q.Enqueue(ctx, a))
	require.NoError(t, q.Enqueue(ctx, b))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.InferenceID, d.ID)

	n, err := q.RequeueStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.InferenceID, d.ID, "stalled job goes to the head of the wait list")
	assert.Equal(t, 2, d.Attempt)
}

func TestRelease_KeepsAttemptAndPosition(t *testing.T) {
	q, _ := setupQueue(t, queue.Options{Attempts: 1})
	ctx := context.Background()
	a, b := newSpec(), newSpec()
	require.NoError(t, q.Enqueue(ctx, a))
	require.NoError(t, q.Enqueue(ctx, b))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, d))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Waiting)
	assert.Zero(t, counts.Active)
	assert.Zero(t, counts.Failed)

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.InferenceID, d.ID)
	assert.Equal(t, 1, d.Attempt, "a released attempt is not counted")
}

func TestPermanent_Unwraps(t *testing.T) {
	cause := errors.New("bad input")
	err := queue.Permanent(cause)
	assert.ErrorIs(t, err, queue.ErrPermanent)
	assert.ErrorIs(t, err, cause)
}
