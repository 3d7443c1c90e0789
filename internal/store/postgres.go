package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

// StatusConflictError reports the status a job actually had when a
// conditional transition did not match.
type StatusConflictError struct {
	Current models.JobStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("%s: current status is %s", ErrStatusConflict, e.Current)
}

func (e *StatusConflictError) Unwrap() error { return ErrStatusConflict }

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

// CreateAPIKey is used by provisioning scripts and tests.
func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Users & credits ---

// CreateUser is used by provisioning scripts and tests.
func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, role, credits, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.Role, u.Credits, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, role, credits, created_at, updated_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Role, &u.Credits, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetCredits(ctx context.Context, userID uuid.UUID) (int64, error) {
	var credits int64
	err := s.pool.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get credits: %w", err)
	}
	return credits, nil
}

// DeductCredits subtracts amount in a single conditional UPDATE so that
// concurrent spenders can never drive the balance below zero.
func (s *PostgresStore) DeductCredits(ctx context.Context, userID uuid.UUID, amount int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET credits = credits - $2, updated_at = NOW()
		 WHERE id = $1 AND credits >= $2`, userID, amount)
	if err != nil {
		return fmt.Errorf("deduct credits: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetCredits(ctx, userID); err != nil {
		return err
	}
	return ErrInsufficientCredits
}

func (s *PostgresStore) AddCredits(ctx context.Context, userID uuid.UUID, amount int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET credits = credits + $2, updated_at = NOW() WHERE id = $1`, userID, amount)
	if err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Datasets & videos ---

// CreateDataset is used by provisioning scripts and tests.
func (s *PostgresStore) CreateDataset(ctx context.Context, d *models.Dataset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO datasets (id, user_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		d.ID, d.UserID, d.Name, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("create dataset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDataset(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Dataset, error) {
	var d models.Dataset
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, created_at FROM datasets WHERE id = $1 AND user_id = $2`, id, userID,
	).Scan(&d.ID, &d.UserID, &d.Name, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	return &d, nil
}

// ListDatasetVideos returns the dataset's videos ordered by upload time.
// A limit <= 0 returns every video from offset onwards.
func (s *PostgresStore) ListDatasetVideos(ctx context.Context, datasetID uuid.UUID, offset, limit int) ([]*models.Video, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, dataset_id, user_id, filename, storage_key, frame_count, duration, width, height, frame_rate, created_at
		 FROM videos WHERE dataset_id = $1 ORDER BY created_at ASC, id ASC OFFSET $2 LIMIT $3`,
		datasetID, offset, lim)
	if err != nil {
		return nil, fmt.Errorf("list dataset videos: %w", err)
	}
	defer rows.Close()

	var videos []*models.Video
	for rows.Next() {
		var v models.Video
		if err := rows.Scan(&v.ID, &v.DatasetID, &v.UserID, &v.Filename, &v.StorageKey,
			&v.FrameCount, &v.Duration, &v.Width, &v.Height, &v.FrameRate, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, &v)
	}
	return videos, rows.Err()
}

func (s *PostgresStore) CreateVideo(ctx context.Context, v *models.Video) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO videos (id, dataset_id, user_id, filename, storage_key, frame_count, duration, width, height, frame_rate, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ID, v.DatasetID, v.UserID, v.Filename, v.StorageKey, v.FrameCount, v.Duration,
		v.Width, v.Height, v.FrameRate, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("create video: %w", err)
	}
	return nil
}

// --- Inference jobs ---

const inferenceJobColumns = `id, dataset_id, user_id, goal_video_id, current_video_id, status, params,
	carbon_footprint, error_message, created_at, updated_at`

func scanInferenceJob(row pgx.Row) (*models.InferenceJob, error) {
	var j models.InferenceJob
	var status string
	if err := row.Scan(&j.ID, &j.DatasetID, &j.UserID, &j.GoalVideoID, &j.CurrentVideoID, &status,
		&j.Params, &j.CarbonFootprint, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	return &j, nil
}

func (s *PostgresStore) CreateInferenceJob(ctx context.Context, job *models.InferenceJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO inference_jobs (id, dataset_id, user_id, goal_video_id, current_video_id, status, params, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.DatasetID, job.UserID, job.GoalVideoID, job.CurrentVideoID,
		string(job.Status), job.Params, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create inference job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInferenceJob(ctx context.Context, id uuid.UUID) (*models.InferenceJob, error) {
	j, err := scanInferenceJob(s.pool.QueryRow(ctx,
		`SELECT `+inferenceJobColumns+` FROM inference_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inference job: %w", err)
	}
	return j, nil
}

// TransitionInferenceJob moves a job to status `to` only if its current
// status is one of `from`. The check and the write are a single UPDATE, so
// concurrent callers cannot both succeed from the same source status.
func (s *PostgresStore) TransitionInferenceJob(ctx context.Context, id uuid.UUID, from []models.JobStatus, to models.JobStatus, opts ...JobUpdateOption) (*models.InferenceJob, error) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	// updated_at strictly increases per row so it can order cache writes.
	query := `UPDATE inference_jobs SET status = $2,
		updated_at = GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')`
	args := []any{id, string(to)}
	argIdx := 3

	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d) RETURNING %s", argIdx, inferenceJobColumns)
	args = append(args, fromStrs)

	j, err := scanInferenceJob(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition inference job: %w", err)
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM inference_jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inference job status: %w", err)
	}
	return nil, &StatusConflictError{Current: models.JobStatus(current)}
}

func (s *PostgresStore) UpdateCarbonFootprint(ctx context.Context, id uuid.UUID, footprint int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inference_jobs SET carbon_footprint = $2,
		   updated_at = GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')
		 WHERE id = $1`, id, footprint)
	if err != nil {
		return fmt.Errorf("update carbon footprint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SumCarbonFootprint(ctx context.Context, userID uuid.UUID) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(carbon_footprint), 0) FROM inference_jobs WHERE user_id = $1`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum carbon footprint: %w", err)
	}
	return total, nil
}

// --- Results ---

func (s *PostgresStore) SaveInferenceResult(ctx context.Context, r *models.InferenceResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO inference_results (job_id, result, archive_key, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_id) DO UPDATE SET
		   result = EXCLUDED.result,
		   archive_key = EXCLUDED.archive_key,
		   created_at = EXCLUDED.created_at`,
		r.JobID, r.Result, r.ArchiveKey, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save inference result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInferenceResult(ctx context.Context, jobID uuid.UUID) (*models.InferenceResult, error) {
	var r models.InferenceResult
	err := s.pool.QueryRow(ctx,
		`SELECT job_id, result, archive_key, created_at FROM inference_results WHERE job_id = $1`, jobID,
	).Scan(&r.JobID, &r.Result, &r.ArchiveKey, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inference result: %w", err)
	}
	return &r, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
