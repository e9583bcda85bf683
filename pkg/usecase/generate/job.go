package generate

import (
	"context"

	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/utils/logging"
)

// JobStatus returns the status of an async job. Unknown or expired IDs return an
// error wrapping model.ErrJobNotFound.
func (uc *UseCase) JobStatus(ctx context.Context, id model.JobID) (*model.JobStatusView, error) {
	return uc.jobs.Status(ctx, id)
}

// ListDeadLetters returns dead-lettered jobs, newest first
func (uc *UseCase) ListDeadLetters(ctx context.Context, offset, limit int) ([]*model.DeadLetter, error) {
	return uc.jobs.ListDeadLetters(ctx, offset, limit)
}

// Requeue resubmits a dead-lettered job
func (uc *UseCase) Requeue(ctx context.Context, id model.JobID) (*model.Job, error) {
	job, err := uc.jobs.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	logging.From(ctx).Info("job requeued", "job_id", id.String())
	return job, nil
}

// Featured returns the featured catalog
func (uc *UseCase) Featured() []*model.FeaturedSimulation {
	return uc.catalog.All()
}

