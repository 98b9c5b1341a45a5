package jobs

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

// Job status values persisted in the progress store.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Percent bounds accepted by a ProgressStore.
const (
	MinPercent = 0
	MaxPercent = 100
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions follow s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Progress is the record a ProgressStore keeps for one job id.
type Progress struct {
	Status    Status    `json:"status"`
	Percent   int       `json:"percent"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the percent range and status before a write.
func (p Progress) Validate() error {
	if p.Percent < MinPercent || p.Percent > MaxPercent {
		return fmt.Errorf("%w: percent %d outside [%d,%d]", ErrInvalidProgress, p.Percent, MinPercent, MaxPercent)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidProgress, p.Status)
	}
	return nil
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string `json:"job_id"`
	Queue     string `json:"queue"`
	Payload   string `json:"payload"`
	Attempt   int    `json:"attempt"`
	Submitted int64  `json:"submitted"`
}
