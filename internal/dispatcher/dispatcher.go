// Package dispatcher owns the named queues, their worker pools and job
// submission.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/upload-progress/internal/events"
	"github.com/JakeFAU/upload-progress/internal/jobs"
	"github.com/JakeFAU/upload-progress/internal/metrics"
	"github.com/JakeFAU/upload-progress/internal/worker"
)

// Runner is a long-running queue consumer.
type Runner interface {
	Run(ctx context.Context) error
}

var _ Runner = (*worker.Worker)(nil)

type pool struct {
	queue   jobs.Queue
	workers []Runner
}

// Dispatcher fans each queue out to its own pool of workers so a busy queue
// cannot starve another queue's workers.
type Dispatcher struct {
	store   jobs.ProgressStore
	ids     jobs.IDGenerator
	emitter events.Emitter
	clock   jobs.Clock
	logger  *zap.Logger

	mu    sync.RWMutex
	pools map[string]*pool
}

// New creates a Dispatcher with no queues.
func New(
	store jobs.ProgressStore,
	ids jobs.IDGenerator,
	emitter events.Emitter,
	clock jobs.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:   store,
		ids:     ids,
		emitter: emitter,
		clock:   clock,
		logger:  logger.Named("dispatcher"),
		pools:   make(map[string]*pool),
	}
}

// AddQueue registers queue with its workers. A queue without workers only
// accepts submissions, which suits API nodes in front of a shared queue.
func (d *Dispatcher) AddQueue(queue jobs.Queue, workers ...Runner) error {
	if queue == nil || queue.Name() == "" {
		return errors.New("queue with a name is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pools[queue.Name()]; ok {
		return fmt.Errorf("queue %q already registered", queue.Name())
	}
	d.pools[queue.Name()] = &pool{queue: queue, workers: append([]Runner(nil), workers...)}
	return nil
}

// Queues lists the registered queue names in sorted order.
func (d *Dispatcher) Queues() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.pools))
	for name := range d.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasQueue reports whether name is a registered queue.
func (d *Dispatcher) HasQueue(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.pools[name]
	return ok
}

// Run starts every worker and blocks until ctx ends and all of them have
// returned. A worker error cancels the rest.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.RLock()
	g, gctx := errgroup.WithContext(ctx)
	total := 0
	for _, p := range d.pools {
		for _, w := range p.workers {
			g.Go(func() error {
				return w.Run(gctx)
			})
			total++
		}
	}
	d.mu.RUnlock()
	d.logger.Info("workers started", zap.Int("workers", total), zap.Strings("queues", d.Queues()))

	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	return nil
}

// Submit assigns a fresh job id, records it as queued at 0% and appends it to
// the named queue. It returns without waiting for a worker. An unknown or
// rejecting queue yields jobs.ErrQueueUnavailable and no record is left behind.
func (d *Dispatcher) Submit(ctx context.Context, queueName, payload string) (string, error) {
	d.mu.RLock()
	p, ok := d.pools[queueName]
	d.mu.RUnlock()
	if !ok {
		metrics.ObserveEnqueue(queueName, "rejected")
		return "", fmt.Errorf("%w: unknown queue %q", jobs.ErrQueueUnavailable, queueName)
	}

	jobID, err := d.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := d.now()
	if err := d.store.Set(ctx, jobID, jobs.Progress{Status: jobs.StatusQueued, UpdatedAt: now}); err != nil {
		metrics.ObserveEnqueue(queueName, "rejected")
		return "", fmt.Errorf("%w: record queued job: %w", jobs.ErrQueueUnavailable, err)
	}

	item := jobs.QueueItem{
		JobID:     jobID,
		Queue:     queueName,
		Payload:   payload,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := p.queue.Enqueue(ctx, item); err != nil {
		metrics.ObserveEnqueue(queueName, "rejected")
		if clearErr := d.store.Clear(context.WithoutCancel(ctx), jobID); clearErr != nil {
			d.logger.Warn("clear rejected job failed", zap.String("job_id", jobID), zap.Error(clearErr))
		}
		if !errors.Is(err, jobs.ErrQueueUnavailable) {
			err = fmt.Errorf("%w: %w", jobs.ErrQueueUnavailable, err)
		}
		return "", fmt.Errorf("queue enqueue: %w", err)
	}

	metrics.ObserveEnqueue(queueName, "accepted")
	d.emitter.Emit(events.Event{JobID: jobID, Queue: queueName, TS: now, Stage: events.StageJobQueued})
	d.logger.Debug("job submitted", zap.String("job_id", jobID), zap.String("queue", queueName))
	return jobID, nil
}

func (d *Dispatcher) now() time.Time {
	if d.clock == nil {
		return time.Now().UTC()
	}
	return d.clock.Now()
}
