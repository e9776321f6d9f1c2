package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/polisai/polis-shield/pkg/domain"
)

// MemoryJobStore is an in-memory implementation of JobStore. Jobs live for the
// lifetime of the process.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
}

// NewMemoryJobStore creates a new MemoryJobStore.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
	}
}

// Create stores a copy of job.
func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, ErrConflict)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get returns a snapshot of the job.
func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, notFound(id)
	}
	return job.Clone(), nil
}

// Update applies fn under the store lock.
func (s *MemoryJobStore) Update(_ context.Context, id string, fn UpdateFunc) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, notFound(id)
	}
	next, err := applyUpdate(current, fn)
	if err != nil {
		return domain.Job{}, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

// Count returns the number of stored jobs.
func (s *MemoryJobStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs), nil
}

// Prune drops terminal jobs last updated before cutoff.
func (s *MemoryJobStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Ping always succeeds for the memory store.
func (s *MemoryJobStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op for memory store.
func (s *MemoryJobStore) Close() error {
	return nil
}
