package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/model"
)

// Memory keeps everything in process memory. Suitable for a single instance and tests.
type Memory struct {
	mu            sync.Mutex
	jobs          map[model.JobID]*model.Job
	deadLetters   map[model.JobID]*model.DeadLetter
	notifications []*model.Notification
}

func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[model.JobID]*model.Job),
		deadLetters: make(map[model.JobID]*model.DeadLetter),
	}
}

func (r *Memory) PutJob(_ context.Context, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = copyJob(job)
	return nil
}

func (r *Memory) GetJob(_ context.Context, id model.JobID) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrJobNotFound, "job not found", goerr.Value("job_id", id))
	}
	return copyJob(job), nil
}

func (r *Memory) ClaimJob(_ context.Context, id model.JobID, worker string, now time.Time, lease time.Duration) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.jobs[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrJobNotFound, "job not found", goerr.Value("job_id", id))
	}
	job := copyJob(stored)
	if err := claim(job, worker, now, lease); err != nil {
		return nil, err
	}
	r.jobs[id] = job
	return copyJob(job), nil
}

func (r *Memory) UpdateJob(_ context.Context, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return goerr.Wrap(model.ErrJobNotFound, "job not found", goerr.Value("job_id", job.ID))
	}
	r.jobs[job.ID] = copyJob(job)
	return nil
}

func (r *Memory) ListJobsByStatus(_ context.Context, status model.JobStatus, limit int) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.Job
	for _, job := range r.jobs {
		if job.Status == status {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return page(out, 0, limit), nil
}

func (r *Memory) PutDeadLetter(_ context.Context, dl *model.DeadLetter) error {
	if err := dl.Reason.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadLetters[dl.JobID] = copyDeadLetter(dl)
	return nil
}

func (r *Memory) GetDeadLetter(_ context.Context, id model.JobID) (*model.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dl, ok := r.deadLetters[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrDeadLetterNotFound, "dead letter not found", goerr.Value("job_id", id))
	}
	return copyDeadLetter(dl), nil
}

func (r *Memory) ListDeadLetters(_ context.Context, offset, limit int) ([]*model.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.DeadLetter, 0, len(r.deadLetters))
	for _, dl := range r.deadLetters {
		out = append(out, copyDeadLetter(dl))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	return page(out, offset, limit), nil
}

func (r *Memory) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, job := range r.jobs {
		if job.Status.Terminal() && expired(job.ExpiresAt, now) {
			delete(r.jobs, id)
			n++
		}
	}
	for id, dl := range r.deadLetters {
		if expired(dl.ExpiresAt, now) {
			delete(r.deadLetters, id)
			n++
		}
	}
	return n, nil
}

// Notify appends to the in-memory outbox
func (r *Memory) Notify(_ context.Context, n *model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *n
	r.notifications = append(r.notifications, &c)
	return nil
}

// Notifications returns the outbox for recipient, oldest first. Empty recipient returns all.
func (r *Memory) Notifications(recipient string) []*model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Notification
	for _, n := range r.notifications {
		if recipient == "" || n.Recipient == recipient {
			c := *n
			out = append(out, &c)
		}
	}
	return out
}

func copyDeadLetter(dl *model.DeadLetter) *model.DeadLetter {
	c := *dl
	c.History = slices.Clone(dl.History)
	return &c
}

func copyJob(job *model.Job) *model.Job {
	c := *job
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	if job.Request.Image != nil {
		c.Request.Image = append([]byte(nil), job.Request.Image...)
	}
	return &c
}
