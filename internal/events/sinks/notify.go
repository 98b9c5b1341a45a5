package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/upload-progress/internal/events"
	"github.com/JakeFAU/upload-progress/internal/jobs"
)

// Notification is the payload published when a job finishes.
type Notification struct {
	JobID      string    `json:"job_id"`
	Queue      string    `json:"queue"`
	Status     string    `json:"status"`
	Percent    int       `json:"progress"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// NotifySink forwards terminal events to a jobs.Notifier topic. Non-terminal
// events are ignored.
type NotifySink struct {
	notifier jobs.Notifier
	topic    string
	logger   *zap.Logger
}

// NewNotifySink builds a sink publishing to topic.
func NewNotifySink(notifier jobs.Notifier, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{notifier: notifier, topic: topic, logger: logger}
}

// Consume publishes one Notification per terminal event. Every event is
// attempted; failures are joined into the returned error.
func (s *NotifySink) Consume(ctx context.Context, batch []events.Event) error {
	if s.notifier == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		msg := notificationFor(evt)
		id, err := s.notifier.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("notify job %s: %w", evt.JobID, err))
			continue
		}
		s.logger.Debug("job notification published",
			zap.String("job_id", evt.JobID),
			zap.String("status", msg.Status),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}

func notificationFor(evt events.Event) Notification {
	n := Notification{
		JobID:      evt.JobID,
		Queue:      evt.Queue,
		Percent:    evt.Percent,
		DurationMS: evt.Dur.Milliseconds(),
		FinishedAt: evt.TS.UTC(),
	}
	if evt.Stage == events.StageJobDone {
		n.Status = string(jobs.StatusSucceeded)
	} else {
		n.Status = string(jobs.StatusFailed)
		n.Error = evt.Note
	}
	return n
}
