package inference_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/backend"
	backendmock "github.com/kiranshivaraju/driftwatch/internal/backend/mock"
	"github.com/kiranshivaraju/driftwatch/internal/blob"
	"github.com/kiranshivaraju/driftwatch/internal/inference"
	"github.com/kiranshivaraju/driftwatch/internal/queue"
	"github.com/kiranshivaraju/driftwatch/internal/store"
	"github.com/kiranshivaraju/driftwatch/internal/store/mock"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProcessor(t *testing.T, client backend.Client, timeout time.Duration) (*inference.Processor, *mock.Store, *blob.MemoryStore) {
	t.Helper()
	s := mock.NewStore()
	blobs := blob.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return inference.NewProcessor(s, client, blobs, timeout, logger), s, blobs
}

func delivery(t *testing.T, s *mock.Store, status models.JobStatus, params models.InferenceParameters) *queue.Delivery {
	t.Helper()
	j := &models.InferenceJob{UserID: uuid.New(), DatasetID: uuid.New(), Status: status, Params: params}
	require.NoError(t, s.CreateInferenceJob(context.Background(), j))
	return &queue.Delivery{
		ID:      j.ID.String(),
		Attempt: 1,
		Spec: models.JobSpec{
			InferenceID:  j.ID.String(),
			GoalVideo:    []byte("goal"),
			CurrentVideo: []byte("current"),
			Params:       params,
		},
	}
}

func TestProcessor_StoresResultAndArchive(t *testing.T) {
	p, s, blobs := newProcessor(t, backendmock.NewClient(), time.Second)
	d := delivery(t, s, models.JobStatusRunning, validParams())

	require.NoError(t, p.Handle(context.Background(), d))

	id := uuid.MustParse(d.ID)
	res, err := s.GetInferenceResult(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, string(res.Result), `"drift":0.12`)
	assert.Equal(t, blob.ResultArchiveKey(d.ID), res.ArchiveKey)
	assert.WithinDuration(t, time.Now(), res.CreatedAt, time.Minute)
	assert.Equal(t, 1, blobs.Len())
}

func TestProcessor_PassesBuffersAndParams(t *testing.T) {
	var got backend.CompareRequest
	client := &backendmock.Client{
		Name_: "aws",
		CompareFunc: func(_ context.Context, req backend.CompareRequest) (*backend.CompareResult, error) {
			got = req
			return &backend.CompareResult{Result: json.RawMessage(`{}`)}, nil
		},
	}
	p, s, blobs := newProcessor(t, client, time.Second)
	params := models.InferenceParameters{StartFrame: 5, EndFrame: 50, FrameStep: 5, Detector: models.DetectorORB, UseGPUs: true}
	d := delivery(t, s, models.JobStatusPending, params)

	require.NoError(t, p.Handle(context.Background(), d))
	assert.Equal(t, d.ID, got.InferenceID)
	assert.Equal(t, []byte("goal"), got.GoalVideo)
	assert.Equal(t, []byte("current"), got.CurrentVideo)
	assert.Equal(t, params, got.Params)

	res, err := s.GetInferenceResult(context.Background(), uuid.MustParse(d.ID))
	require.NoError(t, err)
	assert.Empty(t, res.ArchiveKey)
	assert.Zero(t, blobs.Len())
}

func TestProcessor_RecordsCarbonFootprint(t *testing.T) {
	client := &backendmock.Client{
		Name_: "onprem",
		CompareFunc: func(context.Context, backend.CompareRequest) (*backend.CompareResult, error) {
			return &backend.CompareResult{Result: json.RawMessage(`{}`)}, nil
		},
	}
	p, s, _ := newProcessor(t, client, time.Second)
	d := delivery(t, s, models.JobStatusRunning, validParams())

	require.NoError(t, p.Handle(context.Background(), d))

	// A near-instant run rounds to zero grams.
	j, err := s.GetInferenceJob(context.Background(), uuid.MustParse(d.ID))
	require.NoError(t, err)
	assert.Zero(t, j.CarbonFootprint)
}

func TestProcessor_TerminalJobIsPermanent(t *testing.T) {
	for _, status := range []models.JobStatus{models.JobStatusAborted, models.JobStatusCompleted, models.JobStatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			called := false
			client := &backendmock.Client{CompareFunc: func(context.Context, backend.CompareRequest) (*backend.CompareResult, error) {
				called = true
				return nil, nil
			}}
			p, s, _ := newProcessor(t, client, time.Second)
			d := delivery(t, s, status, validParams())

			err := p.Handle(context.Background(), d)
			assert.ErrorIs(t, err, queue.ErrPermanent)
			assert.False(t, called)
		})
	}
}

func TestProcessor_UnknownJobIsPermanent(t *testing.T) {
	p, _, _ := newProcessor(t, backendmock.NewClient(), time.Second)

	err := p.Handle(context.Background(), &queue.Delivery{ID: uuid.NewString(), Attempt: 1})
	assert.ErrorIs(t, err, queue.ErrPermanent)

	err = p.Handle(context.Background(), &queue.Delivery{ID: "nope", Attempt: 1})
	assert.ErrorIs(t, err, queue.ErrPermanent)
}

func TestProcessor_TransientErrorIsRetryable(t *testing.T) {
	p, s, _ := newProcessor(t, backendmock.NewFailingClient(fmt.Errorf("%w: connection refused", backend.ErrUnreachable)), time.Second)
	d := delivery(t, s, models.JobStatusRunning, validParams())

	err := p.Handle(context.Background(), d)
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrUnreachable)
	assert.NotErrorIs(t, err, queue.ErrPermanent)
}

func TestProcessor_RejectedIsPermanent(t *testing.T) {
	p, s, _ := newProcessor(t, backendmock.NewFailingClient(fmt.Errorf("%w: unsupported codec", backend.ErrRejected)), time.Second)
	d := delivery(t, s, models.JobStatusRunning, validParams())

	err := p.Handle(context.Background(), d)
	assert.ErrorIs(t, err, queue.ErrPermanent)
	assert.ErrorIs(t, err, backend.ErrRejected)
}

func TestProcessor_Timeout(t *testing.T) {
	client := &backendmock.Client{CompareFunc: func(ctx context.Context, _ backend.CompareRequest) (*backend.CompareResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p, s, _ := newProcessor(t, client, 20*time.Millisecond)
	d := delivery(t, s, models.JobStatusRunning, validParams())

	err := p.Handle(context.Background(), d)
	assert.ErrorIs(t, err, backend.ErrTimeout)

	_, err = s.GetInferenceResult(context.Background(), uuid.MustParse(d.ID))
	assert.ErrorIs(t, err, store.ErrNotFound)
}
