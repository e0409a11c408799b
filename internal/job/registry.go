package job

import (
	"context"
	"fmt"
	"time"

	"github.com/meshforge/mesh-api/internal/apperror"
)

// ListLimit caps how many records List returns.
const ListLimit = 100

// Registry is the single source of truth for job state. Implementations must
// be safe for concurrent use by HTTP handlers and the worker pool, must hand
// out snapshot copies rather than live records, and must reject updates that
// violate the status machine.
type Registry interface {
	// Create inserts a new record; a duplicate id is a Conflict.
	Create(ctx context.Context, j *Job) error
	// Get returns a snapshot of the record, or NotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// Update applies fn to a copy of the record and stores the result
	// atomically. Invalid transitions and progress regressions are rejected.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	// List returns snapshots of the newest records, most recent first,
	// capped at ListLimit.
	List(ctx context.Context) ([]Job, error)
	// ClaimQueued atomically moves the oldest queued job to running and
	// returns it, or nil when nothing is queued. Only the worker pool calls
	// this, preserving the single-writer rule per job.
	ClaimQueued(ctx context.Context) (*Job, error)
	// RecoverInterrupted re-queues jobs left running by a previous process
	// and returns how many were reset.
	RecoverInterrupted(ctx context.Context) (int64, error)
	// CountActive returns the number of queued plus running jobs.
	CountActive(ctx context.Context) (int, error)
}

// Apply produces the updated record for an Update call: it mutates a copy,
// restores immutable fields, and validates the result against the previous
// state. Shared by every Registry implementation so the state machine is
// enforced uniformly.
func Apply(current *Job, fn func(*Job) error) (*Job, error) {
	next := *current
	if err := fn(&next); err != nil {
		return nil, err
	}

	next.ID = current.ID
	next.CreatedAt = current.CreatedAt

	if next.Status != current.Status && !CanTransition(current.Status, next.Status) {
		return nil, apperror.New(apperror.Conflict,
			fmt.Sprintf("invalid status transition %s -> %s", current.Status, next.Status))
	}
	if next.Progress < current.Progress {
		return nil, apperror.New(apperror.Conflict, "progress may not decrease")
	}
	if next.Progress > 100 {
		next.Progress = 100
	}

	next.UpdatedAt = time.Now().UTC()
	return &next, nil
}
