// Package redis provides a Redis list-backed queue shared by workers on
// multiple nodes. Items are pushed with LPUSH and claimed with BRPOP, which
// gives FIFO order and an atomic per-item claim.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/upload-progress/internal/jobs"
)

const (
	defaultKeyPrefix    = "upload:queue:"
	defaultBlockTimeout = time.Second
)

// Config controls the list key and polling behaviour.
type Config struct {
	KeyPrefix    string
	BlockTimeout time.Duration
	// MaxDepth rejects enqueues once the list holds this many items. Zero disables the check.
	MaxDepth int64
}

// Queue is one named Redis list.
type Queue struct {
	client goredis.Cmdable
	name   string
	key    string
	cfg    Config
	closed atomic.Bool
}

// NewQueue binds a named queue to client.
func NewQueue(client goredis.Cmdable, name string, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	return &Queue{client: client, name: name, key: cfg.KeyPrefix + name, cfg: cfg}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue pushes item onto the tail of the list.
func (q *Queue) Enqueue(ctx context.Context, item jobs.QueueItem) error {
	if q.closed.Load() {
		return fmt.Errorf("%w: queue %q: %w", jobs.ErrQueueUnavailable, q.name, jobs.ErrQueueClosed)
	}
	if q.cfg.MaxDepth > 0 {
		n, err := q.client.LLen(ctx, q.key).Result()
		if err != nil {
			return fmt.Errorf("%w: queue %q: %w", jobs.ErrQueueUnavailable, q.name, err)
		}
		if n >= q.cfg.MaxDepth {
			return fmt.Errorf("%w: queue %q is full", jobs.ErrQueueUnavailable, q.name)
		}
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("%w: queue %q: %w", jobs.ErrQueueUnavailable, q.name, err)
	}
	return nil
}

// Dequeue blocks until an item is available, ctx ends or the queue is closed.
func (q *Queue) Dequeue(ctx context.Context) (jobs.QueueItem, error) {
	for {
		if q.closed.Load() {
			return jobs.QueueItem{}, jobs.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return jobs.QueueItem{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		res, err := q.client.BRPop(ctx, q.cfg.BlockTimeout, q.key).Result()
		switch {
		case errors.Is(err, goredis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return jobs.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return jobs.QueueItem{}, fmt.Errorf("redis brpop %s: %w", q.key, err)
		}
		if len(res) != 2 {
			return jobs.QueueItem{}, fmt.Errorf("redis brpop %s: unexpected reply length %d", q.key, len(res))
		}
		var item jobs.QueueItem
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			return jobs.QueueItem{}, fmt.Errorf("decode queue item: %w", err)
		}
		return item, nil
	}
}

// Len reports the number of pending items.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s: %w", q.key, err)
	}
	return n, nil
}

// Close stops this handle from accepting or claiming items. Items already in
// Redis stay there for other nodes.
func (q *Queue) Close() {
	q.closed.Store(true)
}
