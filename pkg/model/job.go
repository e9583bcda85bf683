package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrInvalidJobStatus     = goerr.New("invalid job status")
	ErrInvalidTransition    = goerr.New("invalid job status transition")
	ErrInvalidFailureReason = goerr.New("invalid failure reason")
	ErrJobNotFound          = goerr.New("job not found")
	ErrDeadLetterNotFound   = goerr.New("dead letter not found")
	ErrAlreadyClaimed       = goerr.New("job already claimed")
)

const (
	// JobRetention is how long a terminal job is kept before it is reclaimed
	JobRetention = 24 * time.Hour
	// DeadLetterRetention is how long a dead-letter record is kept
	DeadLetterRetention = 14 * 24 * time.Hour
	// MaxJobAttempts is the job-level retry budget, separate from per-call retries
	MaxJobAttempts = 3
)

type JobID string

// NewJobID generates a new unique JobID
func NewJobID() JobID {
	return JobID(uuid.New().String())
}

func (x JobID) String() string { return string(x) }

type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobReady      JobStatus = "READY"
	JobFailed     JobStatus = "FAILED"
)

// Validate checks if the status is one of the known values
func (s JobStatus) Validate() error {
	switch s {
	case JobPending, JobProcessing, JobReady, JobFailed:
		return nil
	default:
		return goerr.Wrap(ErrInvalidJobStatus, "unknown job status", goerr.Value("status", s))
	}
}

// Terminal reports whether no further transition is expected
func (s JobStatus) Terminal() bool {
	switch s {
	case JobReady, JobFailed:
		return true
	case JobPending, JobProcessing:
		return false
	default:
		return false
	}
}

// CanTransitionTo reports whether s -> next is allowed.
// FAILED -> PENDING is the operator requeue path from the dead-letter store.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobProcessing
	case JobProcessing:
		return next == JobReady || next == JobFailed || next == JobPending
	case JobFailed:
		return next == JobPending
	case JobReady:
		return false
	default:
		return false
	}
}

type FailureReason string

const (
	FailureTimeout           FailureReason = "timeout"
	FailureInvalidOutput     FailureReason = "invalid_output"
	FailureUpstreamError     FailureReason = "upstream_error"
	FailureValidationFailure FailureReason = "validation_failure"
)

// Validate checks if the failure reason is valid
func (r FailureReason) Validate() error {
	switch r {
	case FailureTimeout, FailureInvalidOutput, FailureUpstreamError, FailureValidationFailure:
		return nil
	default:
		return goerr.Wrap(ErrInvalidFailureReason, "unknown failure reason", goerr.Value("reason", r))
	}
}

// Job is an asynchronous generation request
type Job struct {
	ID          JobID
	UserID      string
	Request     Request
	Status      JobStatus
	Manifest    *Manifest
	Error       string
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	// Lease held by the worker processing the job
	ClaimedBy    string
	ClaimedUntil time.Time

	// Zero until the job reaches a terminal state
	ExpiresAt time.Time
}

// Transition moves the job to next, enforcing the status table
func (j *Job) Transition(next JobStatus, now time.Time) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if !j.Status.CanTransitionTo(next) {
		return goerr.Wrap(ErrInvalidTransition, "job status transition rejected",
			goerr.Value("job_id", j.ID), goerr.Value("from", j.Status), goerr.Value("to", next))
	}

	j.Status = next
	j.UpdatedAt = now
	if next.Terminal() {
		completed := now
		j.CompletedAt = &completed
		j.ExpiresAt = now.Add(JobRetention)
		j.ClaimedBy = ""
		j.ClaimedUntil = time.Time{}
	} else {
		j.CompletedAt = nil
		j.ExpiresAt = time.Time{}
	}
	return nil
}

// DeadLetter records a permanently failed job for operator investigation. There is one
// record per job; when a requeued job fails again the record is replaced and the
// earlier failures move to History.
type DeadLetter struct {
	JobID      JobID
	UserID     string
	Request    Request
	Attempts   int
	Reason     FailureReason
	Detail     string
	CreatedAt  time.Time
	FailedAt   time.Time
	ExpiresAt  time.Time
	RequeuedAt *time.Time

	// Earlier failures of the same job, oldest first
	History []FailureRecord
}

// FailureRecord is one earlier terminal failure of a requeued job
type FailureRecord struct {
	Reason     FailureReason
	Detail     string
	Attempts   int
	FailedAt   time.Time
	RequeuedAt *time.Time
}

// Supersede carries prev and its history into dl
func (dl *DeadLetter) Supersede(prev *DeadLetter) {
	history := make([]FailureRecord, 0, len(prev.History)+1)
	history = append(history, prev.History...)
	history = append(history, FailureRecord{
		Reason:     prev.Reason,
		Detail:     prev.Detail,
		Attempts:   prev.Attempts,
		FailedAt:   prev.FailedAt,
		RequeuedAt: prev.RequeuedAt,
	})
	dl.History = history
}

// NewDeadLetter builds the dead-letter record for a failed job
func NewDeadLetter(job *Job, reason FailureReason, detail string, now time.Time) *DeadLetter {
	return &DeadLetter{
		JobID:     job.ID,
		UserID:    job.UserID,
		Request:   job.Request,
		Attempts:  job.Attempts,
		Reason:    reason,
		Detail:    detail,
		CreatedAt: job.CreatedAt,
		FailedAt:  now,
		ExpiresAt: now.Add(DeadLetterRetention),
	}
}

// JobStatusView is the caller-facing projection of a job
type JobStatusView struct {
	JobID    JobID     `json:"job_id"`
	Status   JobStatus `json:"status"`
	Manifest *Manifest `json:"manifest,omitempty"`
	Error    string    `json:"error,omitempty"`
}
