package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InferenceResult references the output of a completed comparison. The JSON
// summary is stored inline; the archive lives in blob storage.
type InferenceResult struct {
	JobID      uuid.UUID       `db:"job_id"      json:"job_id"`
	Result     json.RawMessage `db:"result"      json:"result"`
	ArchiveKey string          `db:"archive_key" json:"-"`
	CreatedAt  time.Time       `db:"created_at"  json:"created_at"`
}
