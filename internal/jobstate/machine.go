// Package jobstate enforces the allowed lifecycle of an inference job.
//
//	PENDING  -> RUNNING | ABORTED
//	RUNNING  -> COMPLETED | FAILED | ABORTED
//	COMPLETED, FAILED, ABORTED are terminal.
package jobstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/internal/store"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending:   {models.JobStatusRunning, models.JobStatusAborted},
	models.JobStatusRunning:   {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusAborted},
	models.JobStatusCompleted: nil,
	models.JobStatusFailed:    nil,
	models.JobStatusAborted:   nil,
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	JobID uuid.UUID
	From  models.JobStatus
	To    models.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: job %s cannot move from %s to %s", apperr.ErrInvalidTransition, e.JobID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return apperr.ErrInvalidTransition }

// CanTransition reports whether from -> to is in the table. Same-state
// moves are never allowed.
func CanTransition(from, to models.JobStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the statuses reachable from s.
func AllowedTargets(s models.JobStatus) []models.JobStatus {
	out := make([]models.JobStatus, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// sourcesOf returns every status from which `to` may be entered.
func sourcesOf(to models.JobStatus) []models.JobStatus {
	var from []models.JobStatus
	for s, targets := range transitions {
		for _, t := range targets {
			if t == to {
				from = append(from, s)
			}
		}
	}
	return from
}

// Store is the persistence the machine needs.
type Store interface {
	GetInferenceJob(ctx context.Context, id uuid.UUID) (*models.InferenceJob, error)
	TransitionInferenceJob(ctx context.Context, id uuid.UUID, from []models.JobStatus, to models.JobStatus, opts ...store.JobUpdateOption) (*models.InferenceJob, error)
}

// Machine applies transitions to persisted jobs.
type Machine struct {
	store Store
}

// New creates a Machine backed by s.
func New(s Store) *Machine {
	return &Machine{store: s}
}

// Transition moves job id to status `to`. The write is conditional on the
// job still being in a valid source status, so two concurrent callers can
// never both apply a transition from the same state. Returns a
// *TransitionError when the move is not allowed and store.ErrNotFound when
// the job does not exist.
func (m *Machine) Transition(ctx context.Context, id uuid.UUID, to models.JobStatus, opts ...store.JobUpdateOption) (*models.InferenceJob, error) {
	from := sourcesOf(to)
	if len(from) == 0 {
		current := models.JobStatus("")
		if job, err := m.store.GetInferenceJob(ctx, id); err == nil {
			current = job.Status
		} else if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, &TransitionError{JobID: id, From: current, To: to}
	}

	job, err := m.store.TransitionInferenceJob(ctx, id, from, to, opts...)
	if err != nil {
		var conflict *store.StatusConflictError
		if errors.As(err, &conflict) {
			return nil, &TransitionError{JobID: id, From: conflict.Current, To: to}
		}
		return nil, err
	}
	return job, nil
}
