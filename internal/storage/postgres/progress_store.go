// Package postgres provides a Postgres-backed ProgressStore.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/upload-progress/internal/jobs"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for progress rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// ProgressStore keeps one row per job keyed by job_id.
type ProgressStore struct {
	pool  pool
	table string
	clock jobs.Clock
}

// NewProgressStore creates a Postgres-backed ProgressStore using the provided config.
func NewProgressStore(ctx context.Context, cfg Config, clock jobs.Clock) (*ProgressStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewProgressStoreWithPool(p, cfg.Table, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewProgressStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewProgressStoreWithPool(p pool, table string, clock jobs.Clock) (*ProgressStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "job_progress"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ProgressStore{pool: p, table: table, clock: clock}, nil
}

// EnsureSchema creates the progress table when it does not exist.
func (s *ProgressStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id     TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	percent    INTEGER NOT NULL CHECK (percent BETWEEN 0 AND 100),
	error      TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create progress table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ProgressStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Set upserts the record for jobID.
func (s *ProgressStore) Set(ctx context.Context, jobID string, p jobs.Progress) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, status, percent, error, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id) DO UPDATE
SET status = EXCLUDED.status,
	percent = EXCLUDED.percent,
	error = EXCLUDED.error,
	updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, jobID, string(p.Status), p.Percent, p.Error, p.UpdatedAt); err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

// Get loads the record for jobID.
func (s *ProgressStore) Get(ctx context.Context, jobID string) (jobs.Progress, error) {
	query := fmt.Sprintf(`SELECT status, percent, error, updated_at FROM %s WHERE job_id = $1`, s.table)
	var (
		p      jobs.Progress
		status string
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(&status, &p.Percent, &p.Error, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobs.Progress{}, jobs.ErrJobNotFound
		}
		return jobs.Progress{}, fmt.Errorf("get progress: %w", err)
	}
	p.Status = jobs.Status(status)
	return p, nil
}

// Clear deletes the record for jobID.
func (s *ProgressStore) Clear(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE job_id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, jobID); err != nil {
		return fmt.Errorf("clear progress: %w", err)
	}
	return nil
}

// Sweep deletes terminal rows last updated before cutoff.
func (s *ProgressStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status IN ($1, $2) AND updated_at < $3`, s.table)
	tag, err := s.pool.Exec(ctx, query, string(jobs.StatusSucceeded), string(jobs.StatusFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep progress: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks connectivity.
func (s *ProgressStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func (s *ProgressStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
