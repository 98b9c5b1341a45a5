package progress

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/upload-progress/internal/jobs"
	"github.com/JakeFAU/upload-progress/internal/metrics"
)

// ErrRegistryClosed is returned by Subscribe after Close.
var ErrRegistryClosed = errors.New("subscription registry closed")

// Subscription is one client's view of a job's progress.
type Subscription struct {
	ID      uint64
	JobID   string
	Updates <-chan Update

	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the subscription's publisher. It does not touch the job or
// any other subscription.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Done is closed once the publisher goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Registry creates and tracks subscriptions.
type Registry struct {
	store  jobs.ProgressStore
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// NewRegistry builds a registry whose publishers share opts.
func NewRegistry(store jobs.ProgressStore, opts Options, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		opts:   opts,
		logger: logger.Named("subscriptions"),
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe starts a fresh publisher for jobID. The subscription ends at the
// job's terminal update, when ctx ends, or on Cancel.
func (r *Registry) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	r.nextID++
	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Update)
	sub := &Subscription{
		ID:      r.nextID,
		JobID:   jobID,
		Updates: out,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.subs[sub.ID] = sub
	r.wg.Add(1)
	metrics.IncSubscriptions()
	r.logger.Debug("subscription opened", zap.String("job_id", jobID), zap.Uint64("subscription", sub.ID))

	pub := NewPublisher(r.store, jobID, r.opts)
	go pub.run(subCtx, out, func() { r.finish(sub, pub) })
	return sub, nil
}

func (r *Registry) finish(sub *Subscription, pub *Publisher) {
	sub.cancel()
	r.mu.Lock()
	delete(r.subs, sub.ID)
	r.mu.Unlock()
	metrics.DecSubscriptions()
	r.logger.Debug("subscription closed",
		zap.String("job_id", sub.JobID),
		zap.Uint64("subscription", sub.ID),
		zap.Int("reads", pub.Reads()),
	)
	close(sub.done)
	r.wg.Done()
}

// Active reports the number of open subscriptions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close cancels every open subscription and waits for their publishers to
// exit. Later Subscribe calls fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	for _, sub := range r.subs {
		sub.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
