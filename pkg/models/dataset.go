package models

import (
	"time"

	"github.com/google/uuid"
)

// Dataset groups the videos a user uploaded for one scene.
type Dataset struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	UserID    uuid.UUID `db:"user_id"    json:"user_id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Video is an uploaded capture. The raw bytes live in blob storage under
// StorageKey; the probed metadata is copied onto the row.
type Video struct {
	ID         uuid.UUID `db:"id"          json:"id"`
	DatasetID  uuid.UUID `db:"dataset_id"  json:"dataset_id"`
	UserID     uuid.UUID `db:"user_id"     json:"user_id"`
	Filename   string    `db:"filename"    json:"filename"`
	StorageKey string    `db:"storage_key" json:"-"`
	FrameCount int       `db:"frame_count" json:"frame_count"`
	Duration   float64   `db:"duration"    json:"duration"`
	Width      int       `db:"width"       json:"width"`
	Height     int       `db:"height"      json:"height"`
	FrameRate  float64   `db:"frame_rate"  json:"frame_rate"`
	CreatedAt  time.Time `db:"created_at"  json:"created_at"`
}

// VideoInfo is the metadata extracted by probing a video.
type VideoInfo struct {
	FrameCount int     `json:"frameCount"`
	Duration   float64 `json:"duration"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FrameRate  float64 `json:"frameRate"`
}
