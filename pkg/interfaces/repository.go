package interfaces

import (
	"context"
	"time"

	"github.com/m-mizutani/simgen/pkg/model"
)

// JobRepository persists asynchronous jobs and their dead-letter records
type JobRepository interface {
	// PutJob creates or overwrites a job
	PutJob(ctx context.Context, job *model.Job) error

	// GetJob retrieves a job by ID. Returns an error wrapping ErrJobNotFound if absent.
	GetJob(ctx context.Context, id model.JobID) (*model.Job, error)

	// ClaimJob atomically moves a claimable job to PROCESSING under a lease held by worker.
	// A job is claimable when PENDING, or PROCESSING with an expired lease.
	// Returns an error wrapping ErrAlreadyClaimed when another worker holds it.
	ClaimJob(ctx context.Context, id model.JobID, worker string, now time.Time, lease time.Duration) (*model.Job, error)

	// UpdateJob overwrites a job that the caller has claimed
	UpdateJob(ctx context.Context, job *model.Job) error

	// ListJobsByStatus returns up to limit jobs in the given status
	ListJobsByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error)

	// PutDeadLetter stores a dead-letter record keyed by job ID
	PutDeadLetter(ctx context.Context, dl *model.DeadLetter) error

	// GetDeadLetter retrieves a dead-letter record by job ID
	GetDeadLetter(ctx context.Context, id model.JobID) (*model.DeadLetter, error)

	// ListDeadLetters returns dead-letter records, newest first
	ListDeadLetters(ctx context.Context, offset, limit int) ([]*model.DeadLetter, error)

	// DeleteExpired removes terminal jobs and dead letters whose retention has passed
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
