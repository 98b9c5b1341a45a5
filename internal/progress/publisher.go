package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/upload-progress/internal/jobs"
	"github.com/JakeFAU/upload-progress/internal/metrics"
)

// DefaultInterval is the polling interval used when none is configured.
const DefaultInterval = 500 * time.Millisecond

type state int

const (
	statePolling state = iota
	stateEmitting
	stateTerminal
)

// Options tune a Publisher.
type Options struct {
	Interval     time.Duration
	AbsentPolicy AbsentPolicy
	Clock        jobs.Clock
}

// Publisher polls a single job's record and yields changed values until the
// job is terminal. It is not safe for concurrent use and cannot be restarted.
type Publisher struct {
	store    jobs.ProgressStore
	jobID    string
	interval time.Duration
	policy   AbsentPolicy
	clock    jobs.Clock

	state state
	reads int
	last  *jobs.Progress
}

// NewPublisher returns a publisher that starts from the job's current state.
func NewPublisher(store jobs.ProgressStore, jobID string, opts Options) *Publisher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.AbsentPolicy == "" {
		opts.AbsentPolicy = AbsentNotFound
	}
	return &Publisher{
		store:    store,
		jobID:    jobID,
		interval: opts.Interval,
		policy:   opts.AbsentPolicy,
		clock:    opts.Clock,
	}
}

// Next blocks until there is a new value to deliver. The first read happens
// immediately and later reads once per interval. Next returns ErrExhausted
// after a terminal update, the context error once ctx ends, and a wrapped
// store error when a read fails; the latter two also make the publisher
// terminal.
func (p *Publisher) Next(ctx context.Context) (Update, error) {
	if p.state == stateTerminal {
		return Update{}, ErrExhausted
	}
	for {
		if err := p.wait(ctx); err != nil {
			p.state = stateTerminal
			return Update{}, err
		}
		p.state = statePolling
		p.reads++
		rec, err := p.store.Get(ctx, p.jobID)
		switch {
		case errors.Is(err, jobs.ErrJobNotFound):
			metrics.ObservePoll("absent")
			if p.policy == AbsentPending && p.last == nil {
				continue
			}
			p.state = stateTerminal
			return Update{JobID: p.jobID, Kind: KindNotFound, At: p.now()}, nil
		case err != nil:
			metrics.ObservePoll("error")
			p.state = stateTerminal
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Update{}, ctxErr
			}
			return Update{}, fmt.Errorf("read progress %s: %w", p.jobID, err)
		}
		metrics.ObservePoll("found")

		upd, ok := p.observe(rec)
		if !ok {
			continue
		}
		if upd.Terminal() {
			p.state = stateTerminal
		} else {
			p.state = stateEmitting
		}
		return upd, nil
	}
}

// Reads reports how many store reads the publisher has made.
func (p *Publisher) Reads() int { return p.reads }

// Done reports whether the publisher has reached its terminal state.
func (p *Publisher) Done() bool { return p.state == stateTerminal }

// wait returns immediately before the first read and otherwise sleeps one
// interval, honouring ctx throughout.
func (p *Publisher) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.reads == 0 {
		return nil
	}
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return ctx.Err()
}

// observe converts a record into an update, reporting false when nothing
// changed since the last emission.
func (p *Publisher) observe(rec jobs.Progress) (Update, bool) {
	if p.last != nil && p.last.Status == rec.Status && p.last.Percent == rec.Percent {
		return Update{}, false
	}
	if p.last != nil && !rec.Status.Terminal() && rec.Percent < p.last.Percent {
		return Update{}, false
	}
	p.last = &rec

	upd := Update{
		JobID:   p.jobID,
		Kind:    KindProgress,
		Status:  rec.Status,
		Percent: rec.Percent,
		At:      rec.UpdatedAt,
	}
	if upd.At.IsZero() {
		upd.At = p.now()
	}
	switch rec.Status {
	case jobs.StatusSucceeded:
		upd.Kind = KindSucceeded
		upd.Percent = jobs.MaxPercent
	case jobs.StatusFailed:
		upd.Kind = KindFailed
		upd.Error = rec.Error
	}
	return upd, true
}

func (p *Publisher) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock.Now()
}

// Stream drives Next on a goroutine and delivers updates on the returned
// channel, which is closed after the terminal update or when ctx ends. A
// store error is delivered as a terminal KindError update.
func (p *Publisher) Stream(ctx context.Context) <-chan Update {
	out := make(chan Update)
	go p.run(ctx, out, nil)
	return out
}

func (p *Publisher) run(ctx context.Context, out chan<- Update, onDone func()) {
	defer close(out)
	if onDone != nil {
		defer onDone()
	}
	for {
		upd, err := p.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrExhausted) || ctx.Err() != nil {
				return
			}
			upd = Update{JobID: p.jobID, Kind: KindError, Error: err.Error(), At: p.now()}
		}
		select {
		case out <- upd:
		case <-ctx.Done():
			return
		}
		if upd.Terminal() {
			return
		}
	}
}
