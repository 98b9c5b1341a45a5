package jobs

import (
	"context"
	"time"
)

// ProgressStore is the shared keyed store of current job progress. Writes to
// one key are observed in program order; no ordering holds across keys.
type ProgressStore interface {
	// Set overwrites the record for jobID. It fails with ErrInvalidProgress
	// and leaves the store unchanged when p does not validate.
	Set(ctx context.Context, jobID string, p Progress) error
	// Get returns ErrJobNotFound when the key was never set or was reclaimed.
	Get(ctx context.Context, jobID string) (Progress, error)
	// Clear removes the record. Clearing a missing key is not an error.
	Clear(ctx context.Context, jobID string) error
}

// Sweeper reclaims terminal records last updated before cutoff.
type Sweeper interface {
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// Pinger reports backend reachability for readiness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Queue provides FIFO enqueue/dequeue semantics for one named queue.
type Queue interface {
	// Name returns the queue's priority class.
	Name() string
	// Enqueue appends item without waiting for capacity. It fails with
	// ErrQueueUnavailable when the item cannot be accepted.
	Enqueue(ctx context.Context, item QueueItem) error
	// Dequeue blocks until an item is claimed, ctx ends, or the queue closes
	// (ErrQueueClosed). Each item is handed to exactly one caller.
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Reporter receives percent updates from a Processor.
type Reporter func(percent int) error

// Processor runs the work for one queue item, reporting progress as it goes.
type Processor interface {
	Process(ctx context.Context, item QueueItem, report Reporter) error
}

// Notifier pushes terminal job notifications to Pub/Sub (or similar).
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
