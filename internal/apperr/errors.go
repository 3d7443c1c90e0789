// Package apperr defines the error taxonomy shared by every driftwatch
// component. Components wrap these sentinels with context using
// fmt.Errorf("%w: ...") and callers classify with errors.Is.
package apperr

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrTooLarge          = errors.New("payload too large")
	ErrNotFound          = errors.New("not found")
	ErrAuthorization     = errors.New("not authorized")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrProbe             = errors.New("video processing error")
	ErrQueue             = errors.New("queue error")
	ErrInternal          = errors.New("internal error")
)
