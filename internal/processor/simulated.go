// Package processor holds jobs.Processor implementations.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/upload-progress/internal/jobs"
)

// ErrEmptyPayload is returned for items without a payload.
var ErrEmptyPayload = errors.New("payload is required")

// Config controls the simulated work profile.
type Config struct {
	Steps     int
	StepDelay time.Duration
}

// Simulated stands in for real upload handling: it sleeps StepDelay per step
// and reports step*100/Steps after each one.
type Simulated struct {
	cfg    Config
	logger *zap.Logger
}

// NewSimulated builds a Simulated processor. Steps defaults to 10.
func NewSimulated(cfg Config, logger *zap.Logger) *Simulated {
	if cfg.Steps <= 0 {
		cfg.Steps = 10
	}
	if cfg.StepDelay < 0 {
		cfg.StepDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulated{cfg: cfg, logger: logger.Named("processor")}
}

// Process implements jobs.Processor.
func (s *Simulated) Process(ctx context.Context, item jobs.QueueItem, report jobs.Reporter) error {
	if strings.TrimSpace(item.Payload) == "" {
		return ErrEmptyPayload
	}
	timer := time.NewTimer(s.cfg.StepDelay)
	defer timer.Stop()
	for step := 1; step <= s.cfg.Steps; step++ {
		if step > 1 {
			timer.Reset(s.cfg.StepDelay)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("step %d/%d: %w", step, s.cfg.Steps, ctx.Err())
		case <-timer.C:
		}
		pct := step * jobs.MaxPercent / s.cfg.Steps
		if err := report(pct); err != nil {
			return fmt.Errorf("report step %d: %w", step, err)
		}
		s.logger.Debug("step complete",
			zap.String("job_id", item.JobID),
			zap.String("payload", item.Payload),
			zap.Int("percent", pct),
		)
	}
	return nil
}
