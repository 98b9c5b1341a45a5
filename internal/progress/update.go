package progress

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/upload-progress/internal/jobs"
)

// ErrExhausted is returned by Next once a publisher has reached a terminal state.
var ErrExhausted = errors.New("progress stream exhausted")

// Kind classifies an Update.
type Kind string

// Update kinds. Every kind except KindProgress is terminal.
const (
	KindProgress  Kind = "progress"
	KindSucceeded Kind = "succeeded"
	KindFailed    Kind = "failed"
	KindNotFound  Kind = "not_found"
	KindError     Kind = "error"
)

// Update is one value delivered to a subscriber.
type Update struct {
	JobID   string      `json:"job_id"`
	Kind    Kind        `json:"kind"`
	Status  jobs.Status `json:"status,omitempty"`
	Percent int         `json:"progress"`
	Error   string      `json:"error,omitempty"`
	At      time.Time   `json:"at"`
}

// Terminal reports whether no further updates follow u.
func (u Update) Terminal() bool {
	return u.Kind != KindProgress
}

// AbsentPolicy decides what a publisher does when the job has no record.
type AbsentPolicy string

// Supported absent-key policies.
const (
	// AbsentNotFound ends the stream with a not_found update.
	AbsentNotFound AbsentPolicy = "not_found"
	// AbsentPending treats the job as not yet started and keeps polling.
	AbsentPending AbsentPolicy = "pending"
)

// ParseAbsentPolicy maps a config string to a policy. Empty means AbsentNotFound.
func ParseAbsentPolicy(raw string) (AbsentPolicy, error) {
	switch AbsentPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", AbsentNotFound:
		return AbsentNotFound, nil
	case AbsentPending:
		return AbsentPending, nil
	default:
		return "", fmt.Errorf("unknown absent policy %q", raw)
	}
}
