package inference_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/internal/blob"
	"github.com/kiranshivaraju/driftwatch/internal/cache"
	"github.com/kiranshivaraju/driftwatch/internal/inference"
	"github.com/kiranshivaraju/driftwatch/internal/jobstate"
	"github.com/kiranshivaraju/driftwatch/internal/store/mock"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeProducer struct {
	mu    sync.Mutex
	specs []*models.JobSpec
	err   error
	// failAfter makes Enqueue fail once this many specs were accepted.
	failAfter int
}

func (p *fakeProducer) Enqueue(_ context.Context, spec *models.JobSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil && len(p.specs) >= p.failAfter {
		return p.err
	}
	p.specs = append(p.specs, spec)
	return nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]cache.JobStatusEntry
	err     error
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[uuid.UUID]cache.JobStatusEntry)}
}

func (c *memCache) SetJobStatus(_ context.Context, id uuid.UUID, e cache.JobStatusEntry, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if cur, ok := c.entries[id]; ok && cur.UpdatedAt.After(e.UpdatedAt) {
		return nil
	}
	c.entries[id] = e
	return nil
}

func (c *memCache) GetJobStatus(_ context.Context, id uuid.UUID) (cache.JobStatusEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, ok, nil
}

type sent struct {
	UserID uuid.UUID
	JobID  uuid.UUID
	Status models.JobStatus
	ErrMsg string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *recordingNotifier) NotifyInferenceStatusUpdate(userID, id uuid.UUID, status models.JobStatus, _ json.RawMessage, errMsg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{userID, id, status, errMsg})
}

// --- fixture ---

type fixture struct {
	store    *mock.Store
	blobs    *blob.MemoryStore
	producer *fakeProducer
	cache    *memCache
	notifier *recordingNotifier
	svc      *inference.Service

	user    *models.User
	dataset *models.Dataset
	videos  []*models.Video
}

func validParams() models.InferenceParameters {
	return models.InferenceParameters{FrameStep: 1, Detector: models.DetectorAKAZE}
}

// setup creates a user with a dataset of n videos uploaded one second apart.
func setup(t *testing.T, n int) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:    mock.NewStore(),
		blobs:    blob.NewMemoryStore(),
		producer: &fakeProducer{},
		cache:    newMemCache(),
		notifier: &recordingNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = inference.NewService(f.store, f.blobs, f.producer, jobstate.New(f.store), f.cache, f.notifier, logger)

	f.user = f.store.AddUser(&models.User{Email: "a@example.com", Credits: 100})
	f.dataset = f.store.AddDataset(&models.Dataset{UserID: f.user.ID, Name: "line-3"})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		v := &models.Video{
			ID:        uuid.New(),
			DatasetID: f.dataset.ID,
			UserID:    f.user.ID,
			Filename:  "cap.mp4",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		v.StorageKey = blob.VideoKey(f.dataset.ID.String(), v.ID.String(), ".mp4")
		require.NoError(t, f.blobs.Put(ctx, v.StorageKey, []byte("video-"+v.ID.String()), "video/mp4"))
		require.NoError(t, f.store.CreateVideo(ctx, v))
		f.videos = append(f.videos, v)
	}
	return f
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *models.InferenceJob {
	t.Helper()
	j, err := f.store.GetInferenceJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

// --- EnqueueJobs ---

func TestEnqueueJobs_AllThreeVideos(t *testing.T) {
	f := setup(t, 3)

	ids, err := f.svc.EnqueueJobs(context.Background(), f.user.ID, f.dataset.ID, validParams(), "all")
	require.NoError(t, err)
	require.Len(t, ids, 2)

	first, second := f.job(t, ids[0]), f.job(t, ids[1])
	assert.Equal(t, f.videos[0].ID, first.GoalVideoID)
	assert.Equal(t, f.videos[1].ID, first.CurrentVideoID)
	assert.Equal(t, f.videos[1].ID, second.GoalVideoID)
	assert.Equal(t, f.videos[2].ID, second.CurrentVideoID)
	assert.Equal(t, models.JobStatusPending, first.Status)
	assert.WithinDuration(t, time.Now(), first.CreatedAt, time.Minute)
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)

	require.Len(t, f.producer.specs, 2)
	assert.Equal(t, ids[0].String(), f.producer.specs[0].InferenceID)
	assert.Equal(t, []byte("video-"+f.videos[0].ID.String()), f.producer.specs[0].GoalVideo)
	assert.Equal(t, []byte("video-"+f.videos[1].ID.String()), f.producer.specs[0].CurrentVideo)
	assert.Equal(t, ids[1].String(), f.producer.specs[1].InferenceID)

	status, err := f.svc.GetStatus(context.Background(), f.user.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, status)
}

func TestEnqueueJobs_SingleVideoComparedWithItself(t *testing.T) {
	f := setup(t, 1)

	ids, err := f.svc.EnqueueJobs(context.Background(), f.user.ID, f.dataset.ID, validParams(), "all")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	j := f.job(t, ids[0])
	assert.Equal(t, f.videos[0].ID, j.GoalVideoID)
	assert.Equal(t, f.videos[0].ID, j.CurrentVideoID)
}

func TestEnqueueJobs_Range(t *testing.T) {
	f := setup(t, 5)

	ids, err := f.svc.EnqueueJobs(context.Background(), f.user.ID, f.dataset.ID, validParams(), "1-3")
	require.NoError(t, err)
	require.Len(t, ids, 2)

	assert.Equal(t, f.videos[1].ID, f.job(t, ids[0]).GoalVideoID)
	assert.Equal(t, f.videos[3].ID, f.job(t, ids[1]).CurrentVideoID)
}

func TestEnqueueJobs_ValidationCreatesNothing(t *testing.T) {
	tests := []struct {
		name   string
		params models.InferenceParameters
		rng    string
	}{
		{"reversed range", validParams(), "3-1"},
		{"malformed range", validParams(), "first-last"},
		{"range past end", validParams(), "7-9"},
		{"bad detector", models.InferenceParameters{FrameStep: 1, Detector: "SURF"}, "all"},
		{"zero frame step", models.InferenceParameters{Detector: models.DetectorORB}, "all"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, 3)
			_, err := f.svc.EnqueueJobs(context.Background(), f.user.ID, f.dataset.ID, tt.params, tt.rng)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Empty(t, f.store.Jobs())
			assert.Empty(t, f.producer.specs)
		})
	}
}

func TestEnqueueJobs_EmptyDataset(t *testing.T) {
	f := setup(t, 0)
	_, err := f.svc.EnqueueJobs(context.Background(), f.user.ID, f.dataset.ID, validParams(), "all")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestEnqueueJobs_ForeignDataset(t *testing.T) {
	f := setup(t, 2)
	_, err := f.svc.EnqueueJobs(context.Background(), uuid.New(), f.dataset.ID, validParams(), "all")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, f.store.Jobs())
}

func TestEnqueueJobs_MissingBlobAbortsOnlyThatJob(t *testing.T) {
	f := setup(t, 3)
	require.NoError(t, f.blobs.Delete(context.Background(), f.videos[0].StorageKey))

	ids, err := f.svc.EnqueueJobs(context.Background(), f.user.ID, f.dataset.ID, validParams(), "all")
	require.NoError(t, err)
	require.Len(t, ids, 2)

	aborted := f.job(t, ids[0])
	assert.Equal(t, models.JobStatusAborted, aborted.Status)
	require.NotNil(t, aborted.ErrorMessage)
	assert.Contains(t, *aborted.ErrorMessage, "video unavailable")

	assert.Equal(t, models.JobStatusPending, f.job(t, ids[1]).Status)
	require.Len(t, f.producer.specs, 1)
	assert.Equal(t, ids[1].String(), f.producer.specs[0].InferenceID)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, f.user.ID, f.notifier.sent[0].UserID)
	assert.Equal(t, models.JobStatusAborted, f.notifier.sent[0].Status)
}

func TestEnqueueJobs_QueueFailureLeavesPendingRow(t *testing.T) {
	f := setup(t, 3)
	f.producer.err = errors.New("redis down")
	f.producer.failAfter = 1

	ids, err := f.svc.EnqueueJobs(context.Background(), f.user.ID, f.dataset.ID, validParams(), "all")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrQueue)
	require.Len(t, ids, 2, "created ids come back with the error")
	assert.Equal(t, ids[0].String(), f.producer.specs[0].InferenceID)

	jobs := f.store.Jobs()
	assert.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, models.JobStatusPending, j.Status)
	}
	assert.Len(t, f.producer.specs, 1)
}

func TestEnqueueJobs_CacheFailureIsLoggedNotFatal(t *testing.T) {
	f := setup(t, 2)
	f.cache.err = errors.New("redis down")
	var logs bytes.Buffer
	svc := inference.NewService(f.store, f.blobs, f.producer, jobstate.New(f.store), f.cache, f.notifier,
		slog.New(slog.NewTextHandler(&logs, nil)))

	ids, err := svc.EnqueueJobs(context.Background(), f.user.ID, f.dataset.ID, validParams(), "all")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Contains(t, logs.String(), "failed to cache job status")
	assert.Contains(t, logs.String(), ids[0].String())
}

// --- status and results ---

func TestGetStatus_OwnershipOnCacheHit(t *testing.T) {
	f := setup(t, 2)
	ids, err := f.svc.EnqueueJobs(context.Background(), f.user.ID, f.dataset.ID, validParams(), "all")
	require.NoError(t, err)

	_, err = f.svc.GetStatus(context.Background(), uuid.New(), ids[0])
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGetStatus_FallsBackToStore(t *testing.T) {
	f := setup(t, 0)
	j := &models.InferenceJob{UserID: f.user.ID, DatasetID: f.dataset.ID, Status: models.JobStatusRunning}
	require.NoError(t, f.store.CreateInferenceJob(context.Background(), j))

	status, err := f.svc.GetStatus(context.Background(), f.user.ID, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, status)

	entry, ok, _ := f.cache.GetJobStatus(context.Background(), j.ID)
	assert.True(t, ok)
	assert.Equal(t, models.JobStatusRunning, entry.Status)
}

func TestGetStatus_Unknown(t *testing.T) {
	f := setup(t, 0)
	_, err := f.svc.GetStatus(context.Background(), f.user.ID, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func completedJob(t *testing.T, f *fixture, archive bool) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	j := &models.InferenceJob{UserID: f.user.ID, DatasetID: f.dataset.ID, Status: models.JobStatusCompleted}
	require.NoError(t, f.store.CreateInferenceJob(ctx, j))
	res := &models.InferenceResult{JobID: j.ID, Result: json.RawMessage(`{"drift":0.4}`)}
	if archive {
		res.ArchiveKey = blob.ResultArchiveKey(j.ID.String())
		require.NoError(t, f.blobs.Put(ctx, res.ArchiveKey, []byte("PK-zip"), "application/zip"))
	}
	require.NoError(t, f.store.SaveInferenceResult(ctx, res))
	return j.ID
}

func TestGetJSONResult(t *testing.T) {
	f := setup(t, 0)
	id := completedJob(t, f, false)

	res, err := f.svc.GetJSONResult(context.Background(), f.user.ID, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"drift":0.4}`, string(res))

	_, err = f.svc.GetJSONResult(context.Background(), uuid.New(), id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGetJSONResult_NotReady(t *testing.T) {
	f := setup(t, 0)
	j := &models.InferenceJob{UserID: f.user.ID, DatasetID: f.dataset.ID, Status: models.JobStatusRunning}
	require.NoError(t, f.store.CreateInferenceJob(context.Background(), j))

	_, err := f.svc.GetJSONResult(context.Background(), f.user.ID, j.ID)
	assert.ErrorIs(t, err, inference.ErrResultNotReady)
}

func TestGetZipResult(t *testing.T) {
	f := setup(t, 0)
	id := completedJob(t, f, true)

	data, err := f.svc.GetZipResult(context.Background(), f.user.ID, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("PK-zip"), data)

	noArchive := completedJob(t, f, false)
	_, err = f.svc.GetZipResult(context.Background(), f.user.ID, noArchive)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// --- abort and carbon ---

func TestAbort(t *testing.T) {
	f := setup(t, 2)
	ids, err := f.svc.EnqueueJobs(context.Background(), f.user.ID, f.dataset.ID, validParams(), "all")
	require.NoError(t, err)

	job, err := f.svc.Abort(context.Background(), f.user.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAborted, job.Status)

	status, err := f.svc.GetStatus(context.Background(), f.user.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAborted, status)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "aborted by user", f.notifier.sent[0].ErrMsg)

	_, err = f.svc.Abort(context.Background(), f.user.ID, ids[0])
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestAbort_ForeignJob(t *testing.T) {
	f := setup(t, 2)
	ids, err := f.svc.EnqueueJobs(context.Background(), f.user.ID, f.dataset.ID, validParams(), "all")
	require.NoError(t, err)

	_, err = f.svc.Abort(context.Background(), uuid.New(), ids[0])
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, models.JobStatusPending, f.job(t, ids[0]).Status)
}

func TestCarbonTotal(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	for _, g := range []int64{3, 7} {
		j := &models.InferenceJob{UserID: f.user.ID, DatasetID: f.dataset.ID}
		require.NoError(t, f.store.CreateInferenceJob(ctx, j))
		require.NoError(t, f.store.UpdateCarbonFootprint(ctx, j.ID, g))
	}

	total, err := f.svc.CarbonTotal(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)

	total, err = f.svc.CarbonTotal(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, total)
}
