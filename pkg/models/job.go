package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an InferenceJob.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusAborted   JobStatus = "ABORTED"
	JobStatusCompleted JobStatus = "COMPLETED"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFailed || s == JobStatusAborted || s == JobStatusCompleted
}

// InferenceJob is one comparison between a goal video and a current video.
// The API returns job ids on POST /api/v1/datasets/{id}/inferences; clients
// poll GET /api/v1/inferences/{id} or listen on the WebSocket for updates.
type InferenceJob struct {
	ID              uuid.UUID           `db:"id"               json:"id"`
	DatasetID       uuid.UUID           `db:"dataset_id"       json:"dataset_id"`
	UserID          uuid.UUID           `db:"user_id"          json:"user_id"`
	GoalVideoID     uuid.UUID           `db:"goal_video_id"    json:"goal_video_id"`
	CurrentVideoID  uuid.UUID           `db:"current_video_id" json:"current_video_id"`
	Status          JobStatus           `db:"status"           json:"status"`
	Params          InferenceParameters `db:"params"           json:"params"`
	CarbonFootprint int64               `db:"carbon_footprint" json:"carbon_footprint"`
	ErrorMessage    *string             `db:"error_message"    json:"error_message,omitempty"`
	CreatedAt       time.Time           `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time           `db:"updated_at"       json:"updated_at"`
}

// JobSpec is the queue payload for one InferenceJob. It lives only in the
// queue and in worker memory.
type JobSpec struct {
	InferenceID  string              `json:"inferenceId"`
	GoalVideo    []byte              `json:"goalVideoBuffer"`
	CurrentVideo []byte              `json:"currentVideoBuffer"`
	Params       InferenceParameters `json:"params"`
}
