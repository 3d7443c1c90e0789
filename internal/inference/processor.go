package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/backend"
	"github.com/kiranshivaraju/driftwatch/internal/billing"
	"github.com/kiranshivaraju/driftwatch/internal/blob"
	"github.com/kiranshivaraju/driftwatch/internal/queue"
	"github.com/kiranshivaraju/driftwatch/internal/store"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

// ProcessorStore is the persistence the processor needs.
type ProcessorStore interface {
	GetInferenceJob(ctx context.Context, id uuid.UUID) (*models.InferenceJob, error)
	SaveInferenceResult(ctx context.Context, result *models.InferenceResult) error
	UpdateCarbonFootprint(ctx context.Context, id uuid.UUID, footprint int64) error
}

// Processor runs one queued comparison. Status changes are driven by the
// queue's lifecycle events, not by the processor.
type Processor struct {
	store   ProcessorStore
	backend backend.Client
	blobs   blob.Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewProcessor creates a Processor. timeout bounds each backend call.
func NewProcessor(st ProcessorStore, b backend.Client, blobs blob.Store, timeout time.Duration, logger *slog.Logger) *Processor {
	return &Processor{
		store:   st,
		backend: b,
		blobs:   blobs,
		timeout: timeout,
		logger:  logger.With("component", "processor"),
	}
}

// Handle is a queue.Handler.
func (p *Processor) Handle(ctx context.Context, d *queue.Delivery) error {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return queue.Permanent(fmt.Errorf("malformed job id %q", d.ID))
	}
	log := p.logger.With("job_id", id, "attempt", d.Attempt)

	job, err := p.store.GetInferenceJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("job %s not found", id))
		}
		return fmt.Errorf("loading job: %w", err)
	}
	if job.Status.IsTerminal() {
		log.Info("skipping job in terminal state", "status", string(job.Status))
		return queue.Permanent(fmt.Errorf("job is already %s", job.Status))
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	res, err := p.backend.Compare(callCtx, backend.CompareRequest{
		InferenceID:  d.ID,
		GoalVideo:    d.Spec.GoalVideo,
		CurrentVideo: d.Spec.CurrentVideo,
		Params:       d.Spec.Params,
	})
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil {
			err = fmt.Errorf("%w: no response after %s", backend.ErrTimeout, p.timeout)
		}
		log.Warn("comparison failed", "error", err, "duration_ms", elapsed.Milliseconds())
		if errors.Is(err, backend.ErrRejected) {
			return queue.Permanent(err)
		}
		return err
	}

	result := &models.InferenceResult{JobID: id, Result: res.Result, CreatedAt: time.Now().UTC()}
	if len(res.Archive) > 0 {
		key := blob.ResultArchiveKey(d.ID)
		if err := p.blobs.Put(ctx, key, res.Archive, "application/zip"); err != nil {
			return fmt.Errorf("storing result archive: %w", err)
		}
		result.ArchiveKey = key
	}
	if err := p.store.SaveInferenceResult(ctx, result); err != nil {
		return fmt.Errorf("saving result: %w", err)
	}

	footprint := billing.CarbonFootprint(p.backend.Name(), billing.DeviceFor(d.Spec.Params.UseGPUs), elapsed)
	if err := p.store.UpdateCarbonFootprint(ctx, id, footprint); err != nil {
		// The result is saved; a missing estimate must not fail the job.
		log.Error("failed to record carbon footprint", "error", err)
	}

	log.Info("comparison finished", "duration_ms", elapsed.Milliseconds(), "carbon_footprint", footprint)
	return nil
}
