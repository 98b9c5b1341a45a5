// Package redis provides a ProgressStore backed by a shared Redis instance so
// that workers and subscribers on different nodes observe the same records.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/upload-progress/internal/jobs"
)

const defaultKeyPrefix = "upload:progress:"

// Config controls key layout and retention.
//   - KeyPrefix: prepended to every job id (default "upload:progress:").
//   - Retention: TTL applied when a record is written in a terminal state.
//     Zero keeps terminal records until cleared.
type Config struct {
	KeyPrefix string
	Retention time.Duration
}

// ProgressStore stores one JSON-encoded jobs.Progress per key.
type ProgressStore struct {
	client goredis.Cmdable
	cfg    Config
	clock  jobs.Clock
}

// NewProgressStore wraps an existing Redis client.
func NewProgressStore(client goredis.Cmdable, cfg Config, clock jobs.Clock) (*ProgressStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("retention must be >= 0, got %v", cfg.Retention)
	}
	return &ProgressStore{client: client, cfg: cfg, clock: clock}, nil
}

// Set validates p and writes it with a single SET, attaching the retention
// TTL for terminal states.
func (s *ProgressStore) Set(ctx context.Context, jobID string, p jobs.Progress) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	var ttl time.Duration
	if p.Status.Terminal() {
		ttl = s.cfg.Retention
	}
	if err := s.client.Set(ctx, s.key(jobID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set progress: %w", err)
	}
	return nil
}

// Get loads the record for jobID.
func (s *ProgressStore) Get(ctx context.Context, jobID string) (jobs.Progress, error) {
	data, err := s.client.Get(ctx, s.key(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return jobs.Progress{}, jobs.ErrJobNotFound
		}
		return jobs.Progress{}, fmt.Errorf("redis get progress: %w", err)
	}
	var p jobs.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return jobs.Progress{}, fmt.Errorf("decode progress %s: %w", jobID, err)
	}
	return p, nil
}

// Clear deletes the record for jobID.
func (s *ProgressStore) Clear(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, s.key(jobID)).Err(); err != nil {
		return fmt.Errorf("redis delete progress: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *ProgressStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *ProgressStore) key(jobID string) string {
	return s.cfg.KeyPrefix + jobID
}

func (s *ProgressStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
