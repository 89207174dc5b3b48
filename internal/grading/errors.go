package grading

import (
	"fmt"

	"github.com/example/card-grader/internal/config"
)

// ErrMissingCredential is returned in direct mode when no API key is set.
var ErrMissingCredential = config.ErrMissingCredential

// GenericFailureMessage is shown when a failure carries no usable text.
const GenericFailureMessage = "Failed to grade the card."

// NetworkError means no response was received.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("grading request failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// UpstreamError is a non-2xx response. Message is the body's own message,
// verbatim, when one was present.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("grading service returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("grading service returned %d", e.StatusCode)
}

// UserMessage is the text to show the user.
func (e *UpstreamError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return GenericFailureMessage
}

// MalformedResponseError means a 2xx body did not have the expected shape.
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed grading response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }
