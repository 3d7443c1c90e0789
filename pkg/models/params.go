package models

import (
	"fmt"

	"github.com/kiranshivaraju/driftwatch/internal/apperr"
)

// Detector selects the feature detector used by the comparison backend.
type Detector string

const (
	DetectorAKAZE Detector = "AKAZE"
	DetectorSIFT  Detector = "SIFT"
	DetectorORB   Detector = "ORB"
)

var validDetectors = map[Detector]bool{
	DetectorAKAZE: true,
	DetectorSIFT:  true,
	DetectorORB:   true,
}

// InferenceParameters are fixed when a job is created.
type InferenceParameters struct {
	StartFrame  int      `json:"startFrame"`
	EndFrame    int      `json:"endFrame"`
	FrameStep   int      `json:"frameStep"`
	GoalFrameID int      `json:"goalFrameId"`
	Detector    Detector `json:"detector"`
	UseGPUs     bool     `json:"useGpus"`
}

// Validate checks the parameters and returns an error wrapping
// apperr.ErrValidation when they are malformed.
func (p InferenceParameters) Validate() error {
	if !validDetectors[p.Detector] {
		return fmt.Errorf("%w: detector must be one of AKAZE, SIFT, ORB; got %q", apperr.ErrValidation, p.Detector)
	}
	if p.StartFrame < 0 || p.EndFrame < 0 || p.GoalFrameID < 0 {
		return fmt.Errorf("%w: frame indices must not be negative", apperr.ErrValidation)
	}
	// EndFrame 0 means "until the last frame".
	if p.EndFrame > 0 && p.EndFrame < p.StartFrame {
		return fmt.Errorf("%w: endFrame %d is before startFrame %d", apperr.ErrValidation, p.EndFrame, p.StartFrame)
	}
	if p.FrameStep < 1 {
		return fmt.Errorf("%w: frameStep must be at least 1", apperr.ErrValidation)
	}
	return nil
}
