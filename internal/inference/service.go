// Package inference decomposes datasets into comparison jobs, runs them on
// the worker pool and serves their status and results.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/internal/blob"
	"github.com/kiranshivaraju/driftwatch/internal/cache"
	"github.com/kiranshivaraju/driftwatch/internal/queue"
	"github.com/kiranshivaraju/driftwatch/internal/store"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

// ErrResultNotReady is returned when a result is requested for a job that
// has not completed.
var ErrResultNotReady = errors.New("inference result not ready")

// abortedByUser is recorded on jobs aborted through the API.
const abortedByUser = "aborted by user"

// Store is the persistence the service needs.
type Store interface {
	GetDataset(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Dataset, error)
	ListDatasetVideos(ctx context.Context, datasetID uuid.UUID, offset, limit int) ([]*models.Video, error)
	CreateInferenceJob(ctx context.Context, job *models.InferenceJob) error
	GetInferenceJob(ctx context.Context, id uuid.UUID) (*models.InferenceJob, error)
	GetInferenceResult(ctx context.Context, jobID uuid.UUID) (*models.InferenceResult, error)
	SumCarbonFootprint(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Transitioner applies a validated status change.
type Transitioner interface {
	Transition(ctx context.Context, id uuid.UUID, to models.JobStatus, opts ...store.JobUpdateOption) (*models.InferenceJob, error)
}

// StatusCache is the fast path for status reads.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, entry cache.JobStatusEntry, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (cache.JobStatusEntry, bool, error)
}

// Notifier pushes status updates to a user's live connections.
type Notifier interface {
	NotifyInferenceStatusUpdate(userID, inferenceID uuid.UUID, status models.JobStatus, result json.RawMessage, errMsg string)
}

// Service implements the inference operations exposed over HTTP.
type Service struct {
	store    Store
	blobs    blob.Store
	producer queue.Producer
	machine  Transitioner
	cache    StatusCache
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates a new Service.
func NewService(st Store, blobs blob.Store, producer queue.Producer, machine Transitioner, c StatusCache, n Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		blobs:    blobs,
		producer: producer,
		machine:  machine,
		cache:    c,
		notifier: n,
		logger:   logger.With("component", "inference"),
	}
}

// EnqueueJobs pairs the selected videos of a dataset, creates one PENDING
// job per pair and enqueues them in pairing order. It returns the job ids in
// the same order. Nothing is created when the parameters, the range or the
// dataset are invalid.
//
// A job whose videos cannot be loaded from blob storage is aborted on its
// own; the rest of the batch proceeds. If enqueueing fails, the job row is
// left PENDING and an ErrQueue error is returned together with the ids
// created so far, earlier ones of which are already queued.
func (s *Service) EnqueueJobs(ctx context.Context, userID, datasetID uuid.UUID, params models.InferenceParameters, rangeSel string) ([]uuid.UUID, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	r, err := ParseRange(rangeSel)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetDataset(ctx, datasetID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: dataset %s", apperr.ErrNotFound, datasetID)
		}
		return nil, fmt.Errorf("loading dataset: %w", err)
	}

	offset, limit := r.Window()
	videos, err := s.store.ListDatasetVideos(ctx, datasetID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dataset videos: %w", err)
	}
	if len(videos) == 0 {
		return nil, fmt.Errorf("%w: range %s selects no videos", apperr.ErrValidation, r)
	}

	log := s.logger.With("user_id", userID, "dataset_id", datasetID)
	pairs := PairVideos(videos)
	buffers := make(map[uuid.UUID][]byte, len(videos))
	ids := make([]uuid.UUID, 0, len(pairs))

	for _, p := range pairs {
		now := time.Now().UTC().Truncate(time.Microsecond)
		job := &models.InferenceJob{
			ID:             uuid.New(),
			DatasetID:      datasetID,
			UserID:         userID,
			GoalVideoID:    p.Goal.ID,
			CurrentVideoID: p.Current.ID,
			Status:         models.JobStatusPending,
			Params:         params,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.store.CreateInferenceJob(ctx, job); err != nil {
			return nil, fmt.Errorf("creating job: %w", err)
		}
		ids = append(ids, job.ID)
		s.cacheStatus(ctx, job)

		goal, err := s.loadVideo(ctx, buffers, p.Goal)
		if err == nil {
			var current []byte
			current, err = s.loadVideo(ctx, buffers, p.Current)
			if err == nil {
				err = s.producer.Enqueue(ctx, &models.JobSpec{
					InferenceID:  job.ID.String(),
					GoalVideo:    goal,
					CurrentVideo: current,
					Params:       params,
				})
				if err != nil {
					log.Error("enqueue failed, job left pending", "job_id", job.ID, "error", err)
					return ids, fmt.Errorf("%w: enqueueing job %s: %w", apperr.ErrQueue, job.ID, err)
				}
				continue
			}
		}

		log.Warn("video unavailable, aborting job", "job_id", job.ID, "error", err)
		s.abort(ctx, job.ID, fmt.Sprintf("video unavailable: %v", err))
	}

	log.Info("inference jobs enqueued", "range", r.String(), "jobs", len(ids))
	return ids, nil
}

func (s *Service) loadVideo(ctx context.Context, buffers map[uuid.UUID][]byte, v *models.Video) ([]byte, error) {
	if data, ok := buffers[v.ID]; ok {
		return data, nil
	}
	data, err := s.blobs.Get(ctx, v.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("video %s: %w", v.ID, err)
	}
	buffers[v.ID] = data
	return data, nil
}

// abort moves a job to ABORTED and tells its owner.
func (s *Service) abort(ctx context.Context, id uuid.UUID, reason string) (*models.InferenceJob, error) {
	job, err := s.machine.Transition(ctx, id, models.JobStatusAborted, store.WithErrorMessage(reason))
	if err != nil {
		s.logger.Warn("failed to abort job", "job_id", id, "error", err)
		return nil, err
	}
	s.cacheStatus(ctx, job)
	s.notifier.NotifyInferenceStatusUpdate(job.UserID, id, job.Status, nil, reason)
	return job, nil
}

// GetJob returns a job owned by userID.
func (s *Service) GetJob(ctx context.Context, userID, id uuid.UUID) (*models.InferenceJob, error) {
	job, err := s.store.GetInferenceJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: inference %s", apperr.ErrNotFound, id)
		}
		return nil, fmt.Errorf("loading job: %w", err)
	}
	if job.UserID != userID {
		return nil, fmt.Errorf("%w: inference %s", apperr.ErrNotFound, id)
	}
	return job, nil
}

// GetStatus returns the status of a job owned by userID, from the cache
// when possible.
func (s *Service) GetStatus(ctx context.Context, userID, id uuid.UUID) (models.JobStatus, error) {
	entry, ok, err := s.cache.GetJobStatus(ctx, id)
	if err != nil {
		s.logger.Warn("status cache read failed", "job_id", id, "error", err)
	}
	if ok {
		if entry.UserID != userID {
			return "", fmt.Errorf("%w: inference %s", apperr.ErrNotFound, id)
		}
		return entry.Status, nil
	}

	job, err := s.GetJob(ctx, userID, id)
	if err != nil {
		return "", err
	}
	s.cacheStatus(ctx, job)
	return job.Status, nil
}

// cacheStatus records a job row's status. The cache keeps the newest row
// version, so a slower writer cannot roll it back.
func (s *Service) cacheStatus(ctx context.Context, job *models.InferenceJob) {
	if err := s.cache.SetJobStatus(ctx, job.ID, cache.EntryFor(job), cache.DefaultStatusTTL); err != nil {
		s.logger.Warn("failed to cache job status", "job_id", job.ID, "error", err)
	}
}

func (s *Service) completedResult(ctx context.Context, userID, id uuid.UUID) (*models.InferenceResult, error) {
	job, err := s.GetJob(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusCompleted {
		return nil, fmt.Errorf("%w: inference %s is %s", ErrResultNotReady, id, job.Status)
	}
	res, err := s.store.GetInferenceResult(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: result for inference %s", apperr.ErrNotFound, id)
		}
		return nil, fmt.Errorf("loading result: %w", err)
	}
	return res, nil
}

// GetJSONResult returns the JSON summary of a completed job.
func (s *Service) GetJSONResult(ctx context.Context, userID, id uuid.UUID) (json.RawMessage, error) {
	res, err := s.completedResult(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return res.Result, nil
}

// GetZipResult returns the artifact archive of a completed job.
func (s *Service) GetZipResult(ctx context.Context, userID, id uuid.UUID) ([]byte, error) {
	res, err := s.completedResult(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if res.ArchiveKey == "" {
		return nil, fmt.Errorf("%w: inference %s has no archive", apperr.ErrNotFound, id)
	}
	data, err := s.blobs.Get(ctx, res.ArchiveKey)
	if err != nil {
		return nil, fmt.Errorf("loading archive: %w", err)
	}
	return data, nil
}

// Abort marks a PENDING or RUNNING job as ABORTED. A running backend call
// is not interrupted; its outcome is discarded because the job is terminal.
func (s *Service) Abort(ctx context.Context, userID, id uuid.UUID) (*models.InferenceJob, error) {
	if _, err := s.GetJob(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.abort(ctx, id, abortedByUser)
}

// CarbonTotal sums the carbon footprint of every job owned by userID.
func (s *Service) CarbonTotal(ctx context.Context, userID uuid.UUID) (int64, error) {
	total, err := s.store.SumCarbonFootprint(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("summing carbon footprint: %w", err)
	}
	return total, nil
}
