package workflow

import (
	"errors"

	"github.com/example/card-grader/internal/encoder"
	"github.com/example/card-grader/internal/grading"
	"github.com/example/card-grader/internal/imagesource"
)

// Message maps any failure to the text shown in the Failed state. Text
// supplied by the grading service wins over generic wording.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var upstream *grading.UpstreamError
	var network *grading.NetworkError
	var malformed *grading.MalformedResponseError

	switch {
	case errors.As(err, &upstream):
		return upstream.UserMessage()
	case errors.Is(err, grading.ErrMissingCredential):
		return "Missing API key. Please check your configuration."
	case errors.As(err, &network):
		return grading.GenericFailureMessage + " The grading service could not be reached."
	case errors.As(err, &malformed):
		return grading.GenericFailureMessage + " The grading service sent an unexpected response."
	case errors.Is(err, encoder.ErrEncoding):
		return "The selected image could not be read."
	case errors.Is(err, imagesource.ErrDevice):
		return "Camera error: " + err.Error()
	case errors.Is(err, imagesource.ErrValidation):
		return "Please select an image file: " + err.Error()
	}
	return grading.GenericFailureMessage
}
