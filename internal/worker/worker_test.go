package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/upload-progress/internal/events"
	"github.com/JakeFAU/upload-progress/internal/jobs"
	"github.com/JakeFAU/upload-progress/internal/storage/memory"
)

func TestWorker_SuccessWritesNonDecreasingThenSucceeded(t *testing.T) {
	t.Parallel()

	h := newHarness(procFunc(func(_ context.Context, _ jobs.QueueItem, report jobs.Reporter) error {
		for _, p := range []int{10, 20, 20, 15, 50, 100} {
			if err := report(p); err != nil {
				return err
			}
		}
		return nil
	}), Config{})

	h.runOne(t, jobs.QueueItem{JobID: "job-1", Queue: "default", Payload: "example.txt"})

	writes := h.store.writes("job-1")
	require.Equal(t, []jobs.Progress{
		{Status: jobs.StatusRunning, Percent: 0},
		{Status: jobs.StatusRunning, Percent: 10},
		{Status: jobs.StatusRunning, Percent: 20},
		{Status: jobs.StatusRunning, Percent: 50},
		{Status: jobs.StatusSucceeded, Percent: 100},
	}, writes)

	got, err := h.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusSucceeded, got.Status)
	require.Equal(t, 100, got.Percent)
	require.Equal(t, []events.Stage{
		events.StageJobStart,
		events.StageJobProgress,
		events.StageJobProgress,
		events.StageJobProgress,
		events.StageJobDone,
	}, h.emitter.stages())
}

func TestWorker_FailureFreezesPercent(t *testing.T) {
	t.Parallel()

	h := newHarness(procFunc(func(_ context.Context, _ jobs.QueueItem, report jobs.Reporter) error {
		if err := report(40); err != nil {
			return err
		}
		return errors.New("disk full")
	}), Config{})

	h.runOne(t, jobs.QueueItem{JobID: "job-1", Queue: "default", Payload: "x"})

	got, err := h.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, got.Status)
	require.Equal(t, 40, got.Percent)
	require.Equal(t, "disk full", got.Error)

	evts := h.emitter.all()
	last := evts[len(evts)-1]
	require.Equal(t, events.StageJobError, last.Stage)
	require.Equal(t, "disk full", last.Note)
	require.Equal(t, 40, last.Percent)
}

func TestWorker_InvalidReportFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(procFunc(func(_ context.Context, _ jobs.QueueItem, report jobs.Reporter) error {
		if err := report(30); err != nil {
			return err
		}
		return report(150)
	}), Config{})

	h.runOne(t, jobs.QueueItem{JobID: "job-1", Payload: "x"})

	got, err := h.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, got.Status)
	require.Equal(t, 30, got.Percent)
	require.Contains(t, got.Error, "invalid progress")
}

func TestWorker_TimeoutStillRecordsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(procFunc(func(ctx context.Context, _ jobs.QueueItem, report jobs.Reporter) error {
		if err := report(10); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}), Config{JobTimeout: 20 * time.Millisecond})

	h.runOne(t, jobs.QueueItem{JobID: "job-1", Payload: "x"})

	got, err := h.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, got.Status)
	require.Equal(t, 10, got.Percent)
	require.Contains(t, got.Error, context.DeadlineExceeded.Error())
}

func TestWorker_ShutdownMidJobRecordsFailure(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	h := newHarness(procFunc(func(ctx context.Context, _ jobs.QueueItem, _ jobs.Reporter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), Config{})
	h.queue.push(jobs.QueueItem{JobID: "job-1", Payload: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	<-started
	cancel()
	require.NoError(t, <-done)

	got, err := h.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, got.Status)
}

func TestWorker_RunStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(procFunc(func(context.Context, jobs.QueueItem, jobs.Reporter) error { return nil }), Config{})
	h.queue.push(jobs.QueueItem{JobID: "a", Payload: "x"})
	h.queue.push(jobs.QueueItem{JobID: "b", Payload: "y"})
	h.queue.close()

	require.NoError(t, h.worker.Run(context.Background()))
	for _, id := range []string{"a", "b"} {
		got, err := h.store.Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, jobs.StatusSucceeded, got.Status)
	}
}

func TestWorker_RetriesAfterDequeueError(t *testing.T) {
	t.Parallel()

	h := newHarness(procFunc(func(context.Context, jobs.QueueItem, jobs.Reporter) error { return nil }), Config{RetryDelay: time.Millisecond})
	h.queue.failNext(errors.New("broker hiccup"))
	h.queue.push(jobs.QueueItem{JobID: "a", Payload: "x"})
	h.queue.close()

	require.NoError(t, h.worker.Run(context.Background()))
	got, err := h.store.Get(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusSucceeded, got.Status)
}

// TestWorker_ProcessorRunsInsideJobSpan swaps the global tracer provider, so
// it does not run in parallel.
func TestWorker_ProcessorRunsInsideJobSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		require.NoError(t, tp.Shutdown(context.Background()))
	})

	var seen trace.SpanContext
	h := newHarness(procFunc(func(ctx context.Context, _ jobs.QueueItem, _ jobs.Reporter) error {
		seen = trace.SpanFromContext(ctx).SpanContext()
		return nil
	}), Config{JobTimeout: time.Minute})

	h.runOne(t, jobs.QueueItem{JobID: "job-1", Queue: "default", Payload: "x"})

	require.True(t, seen.IsValid())
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "worker.process", spans[0].Name())
	require.Equal(t, spans[0].SpanContext().SpanID(), seen.SpanID())
}

// --- fakes ---

type procFunc func(context.Context, jobs.QueueItem, jobs.Reporter) error

func (f procFunc) Process(ctx context.Context, item jobs.QueueItem, report jobs.Reporter) error {
	return f(ctx, item, report)
}

type harness struct {
	queue   *fakeQueue
	store   *recordingStore
	emitter *recordingEmitter
	worker  *Worker
}

func newHarness(proc jobs.Processor, cfg Config) *harness {
	h := &harness{
		queue:   &fakeQueue{name: "default"},
		store:   &recordingStore{ProgressStore: memory.NewProgressStore(nil), log: map[string][]jobs.Progress{}},
		emitter: &recordingEmitter{},
	}
	h.worker = New(1, h.queue, h.store, proc, h.emitter, nil, cfg, nil)
	return h
}

func (h *harness) runOne(t *testing.T, item jobs.QueueItem) {
	t.Helper()
	h.queue.push(item)
	h.queue.close()
	require.NoError(t, h.worker.Run(context.Background()))
}

type fakeQueue struct {
	name   string
	mu     sync.Mutex
	items  []jobs.QueueItem
	closed bool
	errs   []error
}

func (q *fakeQueue) Name() string { return q.name }

func (q *fakeQueue) Enqueue(_ context.Context, item jobs.QueueItem) error {
	q.push(item)
	return nil
}

func (q *fakeQueue) push(item jobs.QueueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

func (q *fakeQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *fakeQueue) failNext(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.errs = append(q.errs, err)
}

func (q *fakeQueue) Dequeue(ctx context.Context) (jobs.QueueItem, error) {
	for {
		q.mu.Lock()
		if len(q.errs) > 0 {
			err := q.errs[0]
			q.errs = q.errs[1:]
			q.mu.Unlock()
			return jobs.QueueItem{}, err
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return jobs.QueueItem{}, jobs.ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return jobs.QueueItem{}, fmt.Errorf("queue dequeue context done: %w", ctx.Err())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

type recordingStore struct {
	jobs.ProgressStore
	mu  sync.Mutex
	log map[string][]jobs.Progress
}

func (s *recordingStore) Set(ctx context.Context, jobID string, p jobs.Progress) error {
	if err := s.ProgressStore.Set(ctx, jobID, p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = time.Time{}
	s.log[jobID] = append(s.log[jobID], p)
	return nil
}

func (s *recordingStore) writes(jobID string) []jobs.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jobs.Progress(nil), s.log[jobID]...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *recordingEmitter) Emit(evt events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) all() []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]events.Event(nil), e.events...)
}

func (e *recordingEmitter) stages() []events.Stage {
	var out []events.Stage
	for _, evt := range e.all() {
		out = append(out, evt.Stage)
	}
	return out
}
