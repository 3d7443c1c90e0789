package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/internal/metrics"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
	"github.com/redis/go-redis/v9"
)

// promoteScript moves every due id from the delayed set to the tail of the
// wait list in one step.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

// RedisQueue implements Producer and Consumer on Redis lists.
type RedisQueue struct {
	client *redis.Client
	opts   Options
	events chan Event
	logger *slog.Logger
}

// NewRedisQueue creates a queue on client. Zero-valued options fall back to
// the defaults of the inference queue.
func NewRedisQueue(client *redis.Client, opts Options, logger *slog.Logger) *RedisQueue {
	if opts.Name == "" {
		opts.Name = "driftwatch:inference"
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Backoff == 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.KeepCompleted == 0 {
		opts.KeepCompleted = 100
	}
	if opts.KeepFailed == 0 {
		opts.KeepFailed = 500
	}
	if opts.RetentionAge == 0 {
		opts.RetentionAge = 24 * time.Hour
	}
	if opts.EventBuffer == 0 {
		opts.EventBuffer = 1024
	}
	return &RedisQueue{
		client: client,
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
		logger: logger.With("component", "queue"),
	}
}

func (q *RedisQueue) key(suffix string) string {
	return q.opts.Name + ":" + suffix
}

func (q *RedisQueue) jobKey(id string) string {
	return q.opts.Name + ":job:" + id
}

// Events returns the lifecycle event stream.
func (q *RedisQueue) Events() <-chan Event {
	return q.events
}

func (q *RedisQueue) emit(ctx context.Context, ev Event) {
	ev.At = time.Now().UTC()
	select {
	case q.events <- ev:
	case <-ctx.Done():
		q.logger.Warn("dropped queue event", "job_id", ev.JobID, "event", ev.Type, "error", ctx.Err())
	}
}

// Enqueue stores spec and appends it to the wait list.
func (q *RedisQueue) Enqueue(ctx context.Context, spec *models.JobSpec) error {
	if spec.InferenceID == "" {
		return fmt.Errorf("%w: job spec has no inference id", apperr.ErrQueue)
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("%w: marshal job spec: %v", apperr.ErrQueue, err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(spec.InferenceID),
		"data", data,
		"attempts", 0,
		"enqueued_at", time.Now().UnixMilli())
	pipe.RPush(ctx, q.key("wait"), spec.InferenceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: enqueue %s: %v", apperr.ErrQueue, spec.InferenceID, err)
	}

	metrics.JobsEnqueued.Inc()
	q.emit(ctx, Event{Type: EventWaiting, JobID: spec.InferenceID})
	return nil
}

// Dequeue claims the next ready job. Returns nil, nil when nothing is ready.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	id, err := q.client.LMove(ctx, q.key("wait"), q.key("active"), "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	pipe := q.client.TxPipeline()
	dataCmd := pipe.HGet(ctx, q.jobKey(id), "data")
	attemptsCmd := pipe.HIncrBy(ctx, q.jobKey(id), "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}

	data, err := dataCmd.Bytes()
	if err != nil {
		q.client.LRem(ctx, q.key("active"), 1, id)
		return nil, fmt.Errorf("job %s has no payload: %w", id, err)
	}

	var spec models.JobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		q.client.LRem(ctx, q.key("active"), 1, id)
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}

	d := &Delivery{ID: id, Spec: spec, Attempt: int(attemptsCmd.Val())}
	q.emit(ctx, Event{Type: EventActive, JobID: id, Attempt: d.Attempt})
	return d, nil
}

// Complete marks d as done and drops its payload.
func (q *RedisQueue) Complete(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, d.ID)
	pipe.LPush(ctx, q.key("completed"), d.ID)
	pipe.LTrim(ctx, q.key("completed"), 0, int64(q.opts.KeepCompleted-1))
	pipe.HSet(ctx, q.jobKey(d.ID), "finished_at", time.Now().UnixMilli())
	pipe.HDel(ctx, q.jobKey(d.ID), "data")
	pipe.Expire(ctx, q.jobKey(d.ID), q.opts.RetentionAge)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", d.ID, err)
	}

	q.emit(ctx, Event{Type: EventCompleted, JobID: d.ID, Attempt: d.Attempt})
	return nil
}

// Fail records a failed attempt. The job is rescheduled with exponential
// backoff unless cause is permanent or attempts are exhausted, in which
// case it moves to the failed list and a failed event is published.
func (q *RedisQueue) Fail(ctx context.Context, d *Delivery, cause error) (bool, error) {
	reason := cause.Error()

	if !errors.Is(cause, ErrPermanent) && d.Attempt < q.opts.Attempts {
		due := time.Now().Add(q.backoff(d.Attempt)).UnixMilli()
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.key("active"), 1, d.ID)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(due), Member: d.ID})
		pipe.HSet(ctx, q.jobKey(d.ID), "failed_reason", reason)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("reschedule job %s: %w", d.ID, err)
		}
		q.logger.Info("job attempt failed, retrying",
			"job_id", d.ID, "attempt", d.Attempt, "max_attempts", q.opts.Attempts, "error", reason)
		return false, nil
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, d.ID)
	pipe.LPush(ctx, q.key("failed"), d.ID)
	pipe.LTrim(ctx, q.key("failed"), 0, int64(q.opts.KeepFailed-1))
	pipe.HSet(ctx, q.jobKey(d.ID), "failed_reason", reason, "finished_at", time.Now().UnixMilli())
	pipe.HDel(ctx, q.jobKey(d.ID), "data")
	pipe.Expire(ctx, q.jobKey(d.ID), q.opts.RetentionAge)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("fail job %s: %w", d.ID, err)
	}

	q.emit(ctx, Event{Type: EventFailed, JobID: d.ID, Attempt: d.Attempt, Reason: reason})
	return true, nil
}

// Release puts d back at the head of the wait list and refunds its attempt.
// No event is published: the job row keeps its status until the next claim.
func (q *RedisQueue) Release(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, d.ID)
	pipe.LPush(ctx, q.key("wait"), d.ID)
	pipe.HIncrBy(ctx, q.jobKey(d.ID), "attempts", -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("release job %s: %w", d.ID, err)
	}
	q.logger.Info("job released", "job_id", d.ID, "attempt", d.Attempt)
	return nil
}

// backoff returns base * 2^(attempt-1).
func (q *RedisQueue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.opts.Backoff << (attempt - 1)
}

func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	err := promoteScript.Run(ctx, q.client, []string{q.key("delayed"), q.key("wait")}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("promote delayed jobs: %w", err)
	}
	return nil
}

// RequeueStalled moves every job left in the active list back to the head
// of the wait list. Call it once at startup, before the pool runs, to
// recover jobs held by a process that died mid-attempt.
func (q *RedisQueue) RequeueStalled(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.client.LMove(ctx, q.key("active"), q.key("wait"), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("requeue stalled jobs: %w", err)
		}
		n++
	}
}

// Counts returns the current queue depth.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.key("wait"))
	active := pipe.LLen(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	completed := pipe.LLen(ctx, q.key("completed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	return Counts{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// FailedReason returns the last recorded failure for a job, if any.
func (q *RedisQueue) FailedReason(ctx context.Context, id string) (string, error) {
	reason, err := q.client.HGet(ctx, q.jobKey(id), "failed_reason").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return reason, err
}
