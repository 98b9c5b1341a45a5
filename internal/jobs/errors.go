package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidProgress marks a write outside [0,100] or with an unknown status.
	ErrInvalidProgress = errors.New("invalid progress")
	// ErrQueueUnavailable means an enqueue could not be accepted; callers may retry.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrQueueClosed is returned by Dequeue once a queue has shut down.
	ErrQueueClosed = errors.New("queue closed")
	// ErrJobNotFound means no progress record exists for the job id.
	ErrJobNotFound = errors.New("job not found")
)

// ProcessingError records a failure of the processing routine for one job.
type ProcessingError struct {
	JobID string
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing job %s: %v", e.JobID, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
