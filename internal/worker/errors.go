package worker

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/trolley/pkg/types"
)

var (
	// ErrUnknownJob is returned when a job name is not in the registry.
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobPanicked wraps a panic raised by a job body run in-process.
	ErrJobPanicked = errors.New("job panicked")
)

// InvalidStateError is returned when attempting an invalid Handle state
// transition.
type InvalidStateError struct {
	from types.JobState
	to   types.JobState
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to types.JobState) InvalidStateError {
	return InvalidStateError{from, to}
}
