package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/api/response"
	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/internal/inference"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

// InferenceService defines the interface the inference handlers depend on.
type InferenceService interface {
	EnqueueJobs(ctx context.Context, userID, datasetID uuid.UUID, params models.InferenceParameters, rangeSel string) ([]uuid.UUID, error)
	GetJob(ctx context.Context, userID, id uuid.UUID) (*models.InferenceJob, error)
	GetStatus(ctx context.Context, userID, id uuid.UUID) (models.JobStatus, error)
	GetJSONResult(ctx context.Context, userID, id uuid.UUID) (json.RawMessage, error)
	GetZipResult(ctx context.Context, userID, id uuid.UUID) ([]byte, error)
	Abort(ctx context.Context, userID, id uuid.UUID) (*models.InferenceJob, error)
	CarbonTotal(ctx context.Context, userID uuid.UUID) (int64, error)
}

type enqueueRequest struct {
	Range  string                     `json:"range"`
	Params models.InferenceParameters `json:"params"`
}

// NewEnqueueHandler returns an http.HandlerFunc for
// POST /api/v1/datasets/{datasetID}/inferences.
func NewEnqueueHandler(svc InferenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		datasetID, ok := pathUUID(w, r, "datasetID")
		if !ok {
			return
		}

		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Range == "" {
			req.Range = inference.RangeAll
		}

		ids, err := svc.EnqueueJobs(r.Context(), userID, datasetID, req.Params, req.Range)
		if err != nil && errors.Is(err, apperr.ErrQueue) && len(ids) > 0 {
			// Jobs created before the failure exist and some of them run.
			slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			response.Error(w, http.StatusInternalServerError, "QUEUE_ERROR",
				"The job could not be queued", map[string]any{"inference_ids": ids})
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, map[string]any{"inference_ids": ids})
	}
}

// NewGetInferenceHandler returns an http.HandlerFunc for
// GET /api/v1/inferences/{id}.
func NewGetInferenceHandler(svc InferenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		job, err := svc.GetJob(r.Context(), userID, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewStatusHandler returns an http.HandlerFunc for
// GET /api/v1/inferences/{id}/status.
func NewStatusHandler(svc InferenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		status, err := svc.GetStatus(r.Context(), userID, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{"id": id, "status": status})
	}
}

// NewResultHandler returns an http.HandlerFunc for
// GET /api/v1/inferences/{id}/result.
func NewResultHandler(svc InferenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		result, err := svc.GetJSONResult(r.Context(), userID, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, result)
	}
}

// NewResultZipHandler returns an http.HandlerFunc for
// GET /api/v1/inferences/{id}/result.zip.
func NewResultZipHandler(svc InferenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		data, err := svc.GetZipResult(r.Context(), userID, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Attachment(w, "application/zip", "inference-"+id.String()+".zip", data)
	}
}

// NewAbortHandler returns an http.HandlerFunc for
// POST /api/v1/inferences/{id}/abort.
func NewAbortHandler(svc InferenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		job, err := svc.Abort(r.Context(), userID, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewCarbonHandler returns an http.HandlerFunc for GET /api/v1/me/carbon.
func NewCarbonHandler(svc InferenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		total, err := svc.CarbonTotal(r.Context(), userID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{"carbon_footprint": total, "unit": "gCO2e"})
	}
}
