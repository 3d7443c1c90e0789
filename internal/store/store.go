package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

var ErrNotFound = apperr.ErrNotFound
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInsufficientCredits is returned by DeductCredits when the balance is
// lower than the requested amount. The balance is left unchanged.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrStatusConflict is returned by TransitionInferenceJob when the job exists
// but its current status is not one of the allowed source statuses.
var ErrStatusConflict = errors.New("job status does not match")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)

	GetCredits(ctx context.Context, userID uuid.UUID) (int64, error)
	DeductCredits(ctx context.Context, userID uuid.UUID, amount int64) error
	AddCredits(ctx context.Context, userID uuid.UUID, amount int64) error

	GetDataset(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Dataset, error)
	ListDatasetVideos(ctx context.Context, datasetID uuid.UUID, offset, limit int) ([]*models.Video, error)
	CreateVideo(ctx context.Context, video *models.Video) error

	CreateInferenceJob(ctx context.Context, job *models.InferenceJob) error
	GetInferenceJob(ctx context.Context, id uuid.UUID) (*models.InferenceJob, error)
	TransitionInferenceJob(ctx context.Context, id uuid.UUID, from []models.JobStatus, to models.JobStatus, opts ...JobUpdateOption) (*models.InferenceJob, error)
	UpdateCarbonFootprint(ctx context.Context, id uuid.UUID, footprint int64) error
	SumCarbonFootprint(ctx context.Context, userID uuid.UUID) (int64, error)

	SaveInferenceResult(ctx context.Context, result *models.InferenceResult) error
	GetInferenceResult(ctx context.Context, jobID uuid.UUID) (*models.InferenceResult, error)
}

type jobUpdateParams struct {
	ErrorMessage *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// ErrorMessageOf applies opts and returns the error message they set, if any.
func ErrorMessageOf(opts ...JobUpdateOption) *string {
	p := &jobUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}
	return p.ErrorMessage
}
