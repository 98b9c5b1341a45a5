// Package memory provides in-process store implementations for single-node
// deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/upload-progress/internal/jobs"
)

// ProgressStore keeps job progress in a map guarded by a RWMutex.
type ProgressStore struct {
	mu      sync.RWMutex
	records map[string]jobs.Progress
	clock   jobs.Clock
}

// NewProgressStore constructs a ProgressStore. A nil clock stamps records
// with time.Now in UTC.
func NewProgressStore(clock jobs.Clock) *ProgressStore {
	return &ProgressStore{
		records: make(map[string]jobs.Progress),
		clock:   clock,
	}
}

// Set validates and overwrites the record for jobID.
func (s *ProgressStore) Set(_ context.Context, jobID string, p jobs.Progress) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[jobID] = p
	return nil
}

// Get fetches the record for jobID.
func (s *ProgressStore) Get(_ context.Context, jobID string) (jobs.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.records[jobID]
	if !ok {
		return jobs.Progress{}, jobs.ErrJobNotFound
	}
	return p, nil
}

// Clear removes the record for jobID.
func (s *ProgressStore) Clear(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, jobID)
	return nil
}

// Sweep drops terminal records last updated before cutoff.
func (s *ProgressStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, p := range s.records {
		if p.Status.Terminal() && p.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of records held.
func (s *ProgressStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *ProgressStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
