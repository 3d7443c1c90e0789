package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/api/response"
	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// Uploader defines the interface the upload handler depends on.
type Uploader interface {
	Upload(ctx context.Context, userID, datasetID uuid.UUID, filename string, data []byte) ([]*models.Video, error)
}

// VideoLister reads a dataset's videos.
type VideoLister interface {
	GetDataset(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Dataset, error)
	ListDatasetVideos(ctx context.Context, datasetID uuid.UUID, offset, limit int) ([]*models.Video, error)
}

// NewUploadHandler returns an http.HandlerFunc for
// POST /api/v1/datasets/{datasetID}/videos. The body is multipart form data
// with the video or .zip archive in the "file" field.
func NewUploadHandler(svc Uploader, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		datasetID, ok := pathUUID(w, r, "datasetID")
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					fmt.Sprintf("Upload exceeds %d bytes", maxBytes), nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "file is required", nil)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read upload", nil)
			return
		}

		videos, err := svc.Upload(r.Context(), userID, datasetID, header.Filename, data)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, videos)
	}
}

// NewListVideosHandler returns an http.HandlerFunc for
// GET /api/v1/datasets/{datasetID}/videos?page=&limit=.
func NewListVideosHandler(s VideoLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		datasetID, ok := pathUUID(w, r, "datasetID")
		if !ok {
			return
		}

		page, limit, err := pagination(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		if _, err := s.GetDataset(r.Context(), datasetID, userID); err != nil {
			writeError(w, r, err)
			return
		}

		// Fetch one extra row to learn whether another page exists.
		videos, err := s.ListDatasetVideos(r.Context(), datasetID, (page-1)*limit, limit+1)
		if err != nil {
			writeError(w, r, err)
			return
		}
		hasNext := len(videos) > limit
		if hasNext {
			videos = videos[:limit]
		}
		if videos == nil {
			videos = []*models.Video{}
		}
		response.Collection(w, videos, response.PaginationMeta{Page: page, Limit: limit, HasNext: hasNext})
	}
}

func pagination(r *http.Request) (page, limit int, err error) {
	page, limit = 1, defaultPageLimit
	if v := r.URL.Query().Get("page"); v != "" {
		page, err = strconv.Atoi(v)
		if err != nil || page < 1 {
			return 0, 0, fmt.Errorf("%w: page must be a positive integer", apperr.ErrValidation)
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("%w: limit must be a positive integer", apperr.ErrValidation)
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit, nil
}
