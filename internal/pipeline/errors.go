package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrSynthesis marks a batch voided because a chunk failed to synthesize.
	ErrSynthesis = errors.New("synthesis failed")
	// ErrMerge marks an I/O or format failure while combining chunk audio.
	ErrMerge = errors.New("merge failed")
)

// ChunkError reports which chunk voided the batch. It matches both
// ErrSynthesis and the underlying cause with errors.Is.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d: %v", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() []error {
	return []error{ErrSynthesis, e.Err}
}
