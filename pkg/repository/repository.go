// Package repository persists jobs, dead letters and user notifications.
// Entities stay storage-agnostic; each backend maps them to its own records.
package repository

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/model"
)

func claimable(job *model.Job, now time.Time) bool {
	switch job.Status {
	case model.JobPending:
		return true
	case model.JobProcessing:
		return !now.Before(job.ClaimedUntil)
	default:
		return false
	}
}

func claim(job *model.Job, worker string, now time.Time, lease time.Duration) error {
	if !claimable(job, now) {
		return goerr.Wrap(model.ErrAlreadyClaimed, "job is not claimable",
			goerr.Value("job_id", job.ID), goerr.Value("status", job.Status), goerr.Value("claimed_by", job.ClaimedBy))
	}
	if job.Status == model.JobPending {
		if err := job.Transition(model.JobProcessing, now); err != nil {
			return err
		}
	}
	job.ClaimedBy = worker
	job.ClaimedUntil = now.Add(lease)
	job.UpdatedAt = now
	return nil
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
