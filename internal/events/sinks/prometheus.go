package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/upload-progress/internal/events"
)

// PrometheusSink exports job lifecycle metrics partitioned by queue.
type PrometheusSink struct {
	jobsQueued    *prometheus.CounterVec
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsRunning   *prometheus.GaugeVec
	jobRuntime    *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_jobs_queued_total",
			Help: "Jobs accepted onto a queue.",
		}, []string{"queue"}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_jobs_started_total",
			Help: "Jobs claimed by a worker.",
		}, []string{"queue"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_jobs_completed_total",
			Help: "Jobs finished partitioned by result.",
		}, []string{"queue", "result"}),
		jobsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "upload_jobs_running",
			Help: "Jobs currently being processed.",
		}, []string{"queue"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upload_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"queue", "result"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsQueued,
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register job collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	queue := evt.Queue
	if queue == "" {
		queue = "unknown"
	}
	switch evt.Stage {
	case events.StageJobQueued:
		s.jobsQueued.WithLabelValues(queue).Inc()
	case events.StageJobStart:
		s.jobsStarted.WithLabelValues(queue).Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.WithLabelValues(queue).Inc()
		}
	case events.StageJobDone, events.StageJobError:
		result := "success"
		if evt.Stage == events.StageJobError {
			result = "error"
		}
		s.jobsCompleted.WithLabelValues(queue, result).Inc()
		if evt.Dur > 0 {
			s.jobRuntime.WithLabelValues(queue, result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.WithLabelValues(queue).Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
