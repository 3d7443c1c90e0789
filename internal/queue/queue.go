// Package queue is the Redis-backed work queue for inference jobs and the
// worker pool that drains it.
//
// A job moves between these keys under the queue name prefix:
//
//	<name>:wait       list, FIFO of job ids ready to run
//	<name>:active     list, ids currently held by a worker
//	<name>:delayed    sorted set, ids waiting out a retry backoff (score = due time in ms)
//	<name>:completed  list, most recent first, capped
//	<name>:failed     list, most recent first, capped
//	<name>:job:<id>   hash with data, attempts, enqueued_at, failed_reason, finished_at
//
// Lifecycle events are published on an in-process channel returned by
// Events. A retry does not publish a new waiting event.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

// EventType names a queue lifecycle signal.
type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is a lifecycle signal for one job.
type Event struct {
	Type    EventType
	JobID   string
	Attempt int
	Reason  string
	At      time.Time
}

// ErrPermanent marks a handler error that must not be retried.
var ErrPermanent = errors.New("permanent job failure")

// Permanent wraps err so the queue fails the job without further attempts.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Delivery is one attempt at running a job.
type Delivery struct {
	ID      string
	Spec    models.JobSpec
	Attempt int
}

// Handler runs one delivery. A nil return completes the job; an error
// schedules a retry until attempts are exhausted.
type Handler func(ctx context.Context, d *Delivery) error

// Producer is the enqueue side of the queue.
type Producer interface {
	Enqueue(ctx context.Context, spec *models.JobSpec) error
}

// Consumer is the worker side of the queue.
type Consumer interface {
	Dequeue(ctx context.Context) (*Delivery, error)
	Complete(ctx context.Context, d *Delivery) error
	// Fail records a failed attempt. It reports whether the job is now
	// permanently failed.
	Fail(ctx context.Context, d *Delivery, cause error) (bool, error)
	// Release hands an interrupted attempt back to the queue without
	// counting it.
	Release(ctx context.Context, d *Delivery) error
}

// Options configure a RedisQueue.
type Options struct {
	Name          string
	Attempts      int
	Backoff       time.Duration
	KeepCompleted int
	KeepFailed    int
	RetentionAge  time.Duration
	EventBuffer   int
}

// Counts is a snapshot of queue depth.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
