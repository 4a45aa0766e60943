package service

import (
	"errors"

	"github.com/tahcohcat/longform-tts/internal/pipeline"
	"github.com/tahcohcat/longform-tts/internal/storage"
)

// ErrInput marks a request rejected before any synthesis ran.
var ErrInput = errors.New("invalid input")

// MsgNoText is returned verbatim for empty or blank text.
const MsgNoText = "No text provided"

// InputError carries a message meant for the caller as is.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

func (e *InputError) Is(target error) bool { return target == ErrInput }

// Kind names the error class for metrics, events and status codes.
func Kind(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInput):
		return "input_error"
	case errors.Is(err, pipeline.ErrSynthesis):
		return "synthesis_error"
	case errors.Is(err, pipeline.ErrMerge):
		return "merge_error"
	case errors.Is(err, storage.ErrStorage):
		return "storage_error"
	default:
		return "error"
	}
}
