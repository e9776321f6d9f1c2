// Package storage persists scan jobs. Stores hand out deep copies, so a caller
// can never observe or cause a half-written job.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/polisai/polis-shield/pkg/domain"
)

// ErrNotFound is returned when a job id is unknown to the store.
var ErrNotFound = domain.ErrNotFound

// ErrConflict is returned by Create when the id is already taken.
var ErrConflict = errors.New("job already exists")

// UpdateFunc mutates a private copy of a job. Returning an error aborts the
// update and leaves the stored job untouched.
type UpdateFunc func(job *domain.Job) error

// JobStore exposes persistence operations for jobs.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	// Update applies fn atomically with respect to concurrent readers and
	// writers and returns the stored result.
	Update(ctx context.Context, id string, fn UpdateFunc) (domain.Job, error)
	Count(ctx context.Context) (int, error)
	// Prune removes terminal jobs last updated before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

func notFound(id string) error {
	return fmt.Errorf("job %s: %w", id, ErrNotFound)
}

// applyUpdate runs fn on a copy of current and enforces the lifecycle rules on
// whatever fn produced.
func applyUpdate(current domain.Job, fn UpdateFunc) (domain.Job, error) {
	next := current.Clone()
	if err := fn(&next); err != nil {
		return domain.Job{}, err
	}
	if next.ID != current.ID {
		return domain.Job{}, fmt.Errorf("job %s: update must not change the id", current.ID)
	}
	if next.Status != current.Status {
		if err := current.Status.ValidateTransition(next.Status); err != nil {
			return domain.Job{}, fmt.Errorf("job %s: %w", current.ID, err)
		}
	} else if current.Status.IsTerminal() {
		return domain.Job{}, fmt.Errorf("job %s: %s job is immutable", current.ID, current.Status)
	}
	if err := next.Validate(); err != nil {
		return domain.Job{}, err
	}
	return next, nil
}
