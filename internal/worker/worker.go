// Package worker implements the queue consumption loop that runs jobs and
// records their progress.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/upload-progress/internal/events"
	"github.com/JakeFAU/upload-progress/internal/jobs"
	"github.com/JakeFAU/upload-progress/internal/metrics"
)

const (
	tracerName = "github.com/JakeFAU/upload-progress/internal/worker"

	defaultRetryDelay    = time.Second
	defaultFinalizeAfter = 5 * time.Second
)

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds one job's processing. Zero disables the limit.
	JobTimeout time.Duration
	// RetryDelay is the pause after a failed dequeue (default 1s).
	RetryDelay time.Duration
}

// Worker consumes one queue and runs each claimed item to a terminal state.
type Worker struct {
	id        int
	queue     jobs.Queue
	store     jobs.ProgressStore
	processor jobs.Processor
	emitter   events.Emitter
	clock     jobs.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	id int,
	queue jobs.Queue,
	store jobs.ProgressStore,
	processor jobs.Processor,
	emitter events.Emitter,
	clock jobs.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if emitter == nil {
		emitter = events.Discard
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:        id,
		queue:     queue,
		store:     store,
		processor: processor,
		emitter:   emitter,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker").With(zap.String("queue", queue.Name()), zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until ctx ends or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, jobs.ErrQueueClosed) {
				return nil
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if !sleep(ctx, w.cfg.RetryDelay) {
				return nil
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item jobs.QueueItem) {
	metrics.IncActiveWorkers(w.queue.Name())
	defer metrics.DecActiveWorkers(w.queue.Name())

	jobCtx, span := otel.Tracer(tracerName).Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("job.id", item.JobID),
		attribute.String("job.queue", item.Queue),
	))
	defer span.End()
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, w.cfg.JobTimeout)
		defer cancel()
	}
	start := w.now()
	logger := w.logger.With(zap.String("job_id", item.JobID))

	if err := w.store.Set(jobCtx, item.JobID, jobs.Progress{Status: jobs.StatusRunning}); err != nil {
		logger.Error("record running status failed", zap.Error(err))
		span.RecordError(err)
		w.finish(ctx, item, start, 0, fmt.Errorf("record running status: %w", err))
		return
	}
	w.emit(item, events.StageJobStart, 0, 0, "")

	rep := &reporter{worker: w, ctx: jobCtx, item: item}
	err := w.processor.Process(jobCtx, item, rep.report)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
	}
	span.SetAttributes(attribute.Int("job.percent", rep.last))
	w.finish(ctx, item, start, rep.last, err)
}

// finish writes the terminal record. The write is detached from ctx so a
// shutdown or timeout still records the outcome.
func (w *Worker) finish(ctx context.Context, item jobs.QueueItem, start time.Time, last int, procErr error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultFinalizeAfter)
	defer cancel()
	logger := w.logger.With(zap.String("job_id", item.JobID))
	dur := w.now().Sub(start)

	if procErr == nil {
		if err := w.store.Set(writeCtx, item.JobID, jobs.Progress{Status: jobs.StatusSucceeded, Percent: jobs.MaxPercent}); err != nil {
			logger.Error("final job status update failed", zap.Error(err))
			return
		}
		w.emit(item, events.StageJobDone, jobs.MaxPercent, dur, "")
		logger.Info("job succeeded", zap.Duration("dur", dur))
		return
	}

	perr := &jobs.ProcessingError{JobID: item.JobID, Err: procErr}
	rec := jobs.Progress{Status: jobs.StatusFailed, Percent: last, Error: procErr.Error()}
	if err := w.store.Set(writeCtx, item.JobID, rec); err != nil {
		logger.Error("final job status update failed", zap.Error(err), zap.NamedError("cause", perr))
		return
	}
	w.emit(item, events.StageJobError, last, dur, procErr.Error())
	logger.Warn("job failed", zap.Error(perr), zap.Int("percent", last))
}

func (w *Worker) emit(item jobs.QueueItem, stage events.Stage, pct int, dur time.Duration, note string) {
	w.emitter.Emit(events.Event{
		JobID:   item.JobID,
		Queue:   item.Queue,
		TS:      w.now(),
		Stage:   stage,
		Percent: pct,
		Dur:     dur,
		Note:    note,
	})
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}

// reporter enforces the progress contract on a processor's reports: values
// never go backwards, and 100 is only written together with succeeded.
type reporter struct {
	worker *Worker
	ctx    context.Context
	item   jobs.QueueItem
	last   int
}

func (r *reporter) report(pct int) error {
	if pct < jobs.MinPercent || pct > jobs.MaxPercent {
		return fmt.Errorf("%w: percent %d outside [%d,%d]", jobs.ErrInvalidProgress, pct, jobs.MinPercent, jobs.MaxPercent)
	}
	if pct <= r.last || pct == jobs.MaxPercent {
		return nil
	}
	if err := r.worker.store.Set(r.ctx, r.item.JobID, jobs.Progress{Status: jobs.StatusRunning, Percent: pct}); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	r.last = pct
	r.worker.emit(r.item, events.StageJobProgress, pct, 0, "")
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
