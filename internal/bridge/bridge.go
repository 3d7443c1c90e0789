// Package bridge turns queue lifecycle events into persisted status
// transitions and user notifications.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/internal/cache"
	"github.com/kiranshivaraju/driftwatch/internal/metrics"
	"github.com/kiranshivaraju/driftwatch/internal/queue"
	"github.com/kiranshivaraju/driftwatch/internal/store"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

// JobStore is the read side the bridge needs.
type JobStore interface {
	GetInferenceJob(ctx context.Context, id uuid.UUID) (*models.InferenceJob, error)
	GetInferenceResult(ctx context.Context, jobID uuid.UUID) (*models.InferenceResult, error)
}

// Transitioner applies a validated status change.
type Transitioner interface {
	Transition(ctx context.Context, id uuid.UUID, to models.JobStatus, opts ...store.JobUpdateOption) (*models.InferenceJob, error)
}

// StatusCache mirrors the latest status for fast polling.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, entry cache.JobStatusEntry, ttl time.Duration) error
}

// Notifier pushes status updates to a user's live connections.
type Notifier interface {
	NotifyInferenceStatusUpdate(userID, inferenceID uuid.UUID, status models.JobStatus, result json.RawMessage, errMsg string)
}

// Bridge consumes queue events one at a time.
type Bridge struct {
	jobs     JobStore
	machine  Transitioner
	cache    StatusCache
	notifier Notifier
	logger   *slog.Logger
}

func New(jobs JobStore, machine Transitioner, c StatusCache, n Notifier, logger *slog.Logger) *Bridge {
	return &Bridge{
		jobs:     jobs,
		machine:  machine,
		cache:    c,
		notifier: n,
		logger:   logger.With("component", "bridge"),
	}
}

// StatusFor maps a queue event to the job status it signals.
func StatusFor(t queue.EventType) (models.JobStatus, bool) {
	switch t {
	case queue.EventWaiting:
		return models.JobStatusPending, true
	case queue.EventActive:
		return models.JobStatusRunning, true
	case queue.EventCompleted:
		return models.JobStatusCompleted, true
	case queue.EventFailed:
		return models.JobStatusFailed, true
	}
	return "", false
}

// Run handles events until ctx is cancelled or the channel is closed.
func (b *Bridge) Run(ctx context.Context, events <-chan queue.Event) {
	b.logger.Info("event bridge started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("event bridge stopped")
			return
		case ev, ok := <-events:
			if !ok {
				b.logger.Info("event channel closed")
				return
			}
			b.Handle(ctx, ev)
		}
	}
}

// Handle applies a single event. Errors are logged, never returned: a bad
// event must not stop the loop.
func (b *Bridge) Handle(ctx context.Context, ev queue.Event) {
	log := b.logger.With("job_id", ev.JobID, "event", string(ev.Type))

	to, ok := StatusFor(ev.Type)
	if !ok {
		log.Warn("unknown queue event")
		return
	}

	id, err := uuid.Parse(ev.JobID)
	if err != nil {
		log.Warn("queue event with malformed job id", "error", err)
		return
	}

	job, err := b.jobs.GetInferenceJob(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			log.Warn("queue event for unknown job, dropping")
			return
		}
		log.Error("failed to load job", "error", err)
		return
	}

	var opts []store.JobUpdateOption
	if to == models.JobStatusFailed && ev.Reason != "" {
		opts = append(opts, store.WithErrorMessage(ev.Reason))
	}

	updated, err := b.machine.Transition(ctx, id, to, opts...)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			log.Debug("transition rejected", "from", string(job.Status), "to", string(to))
			return
		}
		log.Error("failed to transition job", "to", string(to), "error", err)
		return
	}
	metrics.StatusTransitions.WithLabelValues(string(to)).Inc()

	if err := b.cache.SetJobStatus(ctx, id, cache.EntryFor(updated), cache.DefaultStatusTTL); err != nil {
		log.Warn("failed to cache job status", "error", err)
	}

	var result json.RawMessage
	if updated.Status == models.JobStatusCompleted {
		res, err := b.jobs.GetInferenceResult(ctx, id)
		switch {
		case err == nil:
			result = res.Result
		case errors.Is(err, apperr.ErrNotFound):
			log.Warn("completed job has no stored result")
		default:
			log.Error("failed to load job result", "error", err)
		}
	}

	var errMsg string
	if updated.ErrorMessage != nil {
		errMsg = *updated.ErrorMessage
	}

	log.Info("job status updated", "status", string(updated.Status), "user_id", updated.UserID)
	b.notifier.NotifyInferenceStatusUpdate(updated.UserID, id, updated.Status, result, errMsg)
}
