package workflow

import (
	"github.com/example/card-grader/internal/grading"
	"github.com/example/card-grader/internal/imagesource"
)

// State is one of Idle, ImageReady, CameraActive, Submitting, Success or
// Failed. Exactly one is current at a time.
type State interface {
	Name() string
	isState()
}

// Idle is the initial state.
type Idle struct{}

// ImageReady holds an artifact waiting for an explicit submit.
type ImageReady struct {
	Artifact *imagesource.Artifact
}

// CameraActive holds the live camera stream.
type CameraActive struct {
	Stream imagesource.Stream
}

// Submitting holds the artifact whose submission is in flight.
type Submitting struct {
	Artifact *imagesource.Artifact
}

// Success holds the normalized grading response.
type Success struct {
	Response *grading.Response
}

// Failed holds the single user-visible message for the last failure.
type Failed struct {
	Message string
	Err     error
}

func (Idle) Name() string         { return "idle" }
func (ImageReady) Name() string   { return "image_ready" }
func (CameraActive) Name() string { return "camera_active" }
func (Submitting) Name() string   { return "submitting" }
func (Success) Name() string      { return "success" }
func (Failed) Name() string       { return "failed" }

func (Idle) isState()         {}
func (ImageReady) isState()   {}
func (CameraActive) isState() {}
func (Submitting) isState()   {}
func (Success) isState()      {}
func (Failed) isState()       {}

// acceptsNewImage reports whether a selection, capture or camera open may
// start from s.
func acceptsNewImage(s State) bool {
	switch s.(type) {
	case Idle, ImageReady, Success, Failed:
		return true
	}
	return false
}
