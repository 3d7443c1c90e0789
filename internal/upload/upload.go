// Package upload ingests videos into a dataset: it probes them, charges the
// owner per frame and stores the bytes.
package upload

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/internal/billing"
	"github.com/kiranshivaraju/driftwatch/internal/blob"
	"github.com/kiranshivaraju/driftwatch/internal/store"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

// MaxArchiveMembers caps how many videos one archive may hold.
const MaxArchiveMembers = 500

// DefaultMaxExtractedBytes caps the decompressed size of one archive.
const DefaultMaxExtractedBytes = 2 << 30

var videoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".webm": "video/webm",
}

// Store is the persistence the upload service needs.
type Store interface {
	GetDataset(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Dataset, error)
	CreateVideo(ctx context.Context, video *models.Video) error
}

// Prober extracts video metadata.
type Prober interface {
	Probe(ctx context.Context, data []byte, filename string) (models.VideoInfo, error)
}

// Charger moves credits.
type Charger interface {
	Charge(ctx context.Context, userID uuid.UUID, cost int64) error
	Refund(ctx context.Context, userID uuid.UUID, amount int64) error
}

// Service handles video uploads.
type Service struct {
	store        Store
	blobs        blob.Store
	prober       Prober
	charger      Charger
	logger       *slog.Logger
	maxExtracted int64
}

// Option configures a Service.
type Option func(*Service)

// WithMaxExtractedBytes caps the total decompressed size of an archive.
func WithMaxExtractedBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxExtracted = n
		}
	}
}

// NewService creates a new Service.
func NewService(st Store, blobs blob.Store, prober Prober, charger Charger, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:        st,
		blobs:        blobs,
		prober:       prober,
		charger:      charger,
		logger:       logger.With("component", "upload"),
		maxExtracted: DefaultMaxExtractedBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type member struct {
	name string
	data []byte
	info models.VideoInfo
}

// Upload adds a single video, or every video inside a .zip archive, to a
// dataset owned by userID. All members are probed before anything is
// charged or stored. Archive members keep their archive order as upload
// order.
func (s *Service) Upload(ctx context.Context, userID, datasetID uuid.UUID, filename string, data []byte) ([]*models.Video, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", apperr.ErrValidation)
	}
	if _, err := s.store.GetDataset(ctx, datasetID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: dataset %s", apperr.ErrNotFound, datasetID)
		}
		return nil, fmt.Errorf("loading dataset: %w", err)
	}

	members, err := unpack(filename, data, s.maxExtracted)
	if err != nil {
		return nil, err
	}

	frames := make([]int, len(members))
	for i := range members {
		info, err := s.prober.Probe(ctx, members[i].data, members[i].name)
		if err != nil {
			return nil, fmt.Errorf("probing %s: %w", members[i].name, err)
		}
		members[i].info = info
		frames[i] = info.FrameCount
	}

	cost := billing.UploadCost(frames...)
	if err := s.charger.Charge(ctx, userID, cost); err != nil {
		return nil, err
	}

	log := s.logger.With("user_id", userID, "dataset_id", datasetID)
	videos, err := s.persist(ctx, userID, datasetID, members)
	if err != nil {
		// Videos that made it into the dataset stay paid for.
		kept := make([]int, len(videos))
		for i, v := range videos {
			kept[i] = v.FrameCount
		}
		if len(videos) > 0 {
			log.Warn("upload partly persisted", "persisted", len(videos), "members", len(members))
		}
		if refund := cost - billing.UploadCost(kept...); refund > 0 {
			if rerr := s.charger.Refund(context.WithoutCancel(ctx), userID, refund); rerr != nil {
				log.Error("refund after failed upload", "amount", refund, "error", rerr)
			}
		}
		return nil, err
	}

	log.Info("videos uploaded", "count", len(videos), "credits", cost)
	return videos, nil
}

// persist writes every member's bytes, then its row. A storage failure
// removes the blobs already written so no row ever points at a missing
// object. On a row failure the videos already saved are returned with the
// error.
func (s *Service) persist(ctx context.Context, userID, datasetID uuid.UUID, members []member) ([]*models.Video, error) {
	base := time.Now().UTC()
	videos := make([]*models.Video, 0, len(members))
	for i, m := range members {
		ext := strings.ToLower(path.Ext(m.name))
		v := &models.Video{
			ID:         uuid.New(),
			DatasetID:  datasetID,
			UserID:     userID,
			Filename:   m.name,
			FrameCount: m.info.FrameCount,
			Duration:   m.info.Duration,
			Width:      m.info.Width,
			Height:     m.info.Height,
			FrameRate:  m.info.FrameRate,
			CreatedAt:  base.Add(time.Duration(i) * time.Microsecond),
		}
		v.StorageKey = blob.VideoKey(datasetID.String(), v.ID.String(), ext)

		if err := s.blobs.Put(ctx, v.StorageKey, m.data, videoExtensions[ext]); err != nil {
			s.removeBlobs(ctx, videos)
			return nil, fmt.Errorf("storing %s: %w", m.name, err)
		}
		videos = append(videos, v)
	}

	for i, v := range videos {
		if err := s.store.CreateVideo(ctx, v); err != nil {
			// Rows already created stay; their blobs are intact.
			s.removeBlobs(ctx, videos[i:])
			return videos[:i], fmt.Errorf("saving %s: %w", v.Filename, err)
		}
	}
	return videos, nil
}

func (s *Service) removeBlobs(ctx context.Context, videos []*models.Video) {
	for _, v := range videos {
		if err := s.blobs.Delete(context.WithoutCancel(ctx), v.StorageKey); err != nil {
			s.logger.Warn("failed to remove blob", "key", v.StorageKey, "error", err)
		}
	}
}

func isVideo(name string) bool {
	_, ok := videoExtensions[strings.ToLower(path.Ext(name))]
	return ok
}

// unpack returns the videos an upload contains. Archives may expand to at
// most maxExtracted bytes.
func unpack(filename string, data []byte, maxExtracted int64) ([]member, error) {
	name := path.Base(filename)
	if strings.EqualFold(path.Ext(name), ".zip") {
		return unzip(data, maxExtracted)
	}
	if !isVideo(name) {
		return nil, fmt.Errorf("%w: unsupported file type %q", apperr.ErrValidation, path.Ext(name))
	}
	return []member{{name: name, data: data}}, nil
}

// unzip reads every video in the archive, skipping directories, hidden
// files and non-video members.
func unzip(data []byte, maxExtracted int64) ([]member, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid zip archive: %v", apperr.ErrValidation, err)
	}
	tooLarge := fmt.Errorf("%w: archive expands past %d bytes", apperr.ErrTooLarge, maxExtracted)

	var members []member
	remaining := maxExtracted
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Base(f.Name)
		if strings.HasPrefix(name, ".") || strings.HasPrefix(f.Name, "__MACOSX/") || !isVideo(name) {
			continue
		}
		if len(members) == MaxArchiveMembers {
			return nil, fmt.Errorf("%w: archive holds more than %d videos", apperr.ErrValidation, MaxArchiveMembers)
		}

		if f.UncompressedSize64 > uint64(remaining) {
			return nil, tooLarge
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", apperr.ErrValidation, f.Name, err)
		}
		// The header size is not trusted; the reader is capped as well.
		b, err := io.ReadAll(io.LimitReader(rc, remaining+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", apperr.ErrValidation, f.Name, err)
		}
		if int64(len(b)) > remaining {
			return nil, tooLarge
		}
		remaining -= int64(len(b))
		members = append(members, member{name: name, data: b})
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: archive contains no videos", apperr.ErrValidation)
	}
	return members, nil
}
