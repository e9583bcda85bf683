// Package jobs runs long generations asynchronously. Jobs are persisted, claimed by
// exactly one worker under a lease, and end either READY with a manifest or FAILED
// with exactly one dead-letter record.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/interfaces"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/service/generation"
	"github.com/m-mizutani/simgen/pkg/service/simcache"
	"github.com/m-mizutani/simgen/pkg/utils/logging"
)

var errAttemptsSpent = goerr.New("job attempt budget was spent before completion")

// Generator produces a manifest for a request. *generation.Pipeline satisfies it.
type Generator interface {
	Generate(ctx context.Context, req *model.Request) (*generation.Outcome, error)
}

// CacheWriter stores finished manifests. *simcache.Cache satisfies it.
type CacheWriter interface {
	Put(ctx context.Context, emb model.Embedding, text string, manifest *model.Manifest, opts ...simcache.PutOption) error
}

// Config provides job processing configuration
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int           // Job-level attempts, each a full retried generation
	RetryDelay  time.Duration // Wait between job-level attempts
	Lease       time.Duration // Claim lease, must exceed one attempt's worst case
	RecoverScan int           // Jobs scanned per status on recovery
}

// DefaultConfig returns 4 workers, 3 attempts 30s apart and a 5 minute lease
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   1000,
		MaxAttempts: model.MaxJobAttempts,
		RetryDelay:  30 * time.Second,
		Lease:       5 * time.Minute,
		RecoverScan: 500,
	}
}

// Orchestrator owns job persistence and processing
type Orchestrator struct {
	cfg       Config
	repo      interfaces.JobRepository
	generator Generator
	embedder  interfaces.Embedder
	cache     CacheWriter
	notifier  interfaces.Notifier
	sink      interfaces.EventSink
	pool      *Pool[model.JobID]
	workerID  string
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option is a functional option for Orchestrator
type Option func(*Orchestrator)

func WithCache(embedder interfaces.Embedder, cache CacheWriter) Option {
	return func(o *Orchestrator) {
		o.embedder = embedder
		o.cache = cache
	}
}

func WithNotifier(n interfaces.Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

func WithEventSink(sink interfaces.EventSink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithSleep replaces the wait between job-level attempts
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = fn
	}
}

// WithPoolOptions passes options to the underlying worker pool
func WithPoolOptions(opts ...PoolOption[model.JobID]) Option {
	return func(o *Orchestrator) {
		o.pool = NewPool(o.cfg.Workers, o.cfg.QueueSize, o.Process, opts...)
	}
}

// New creates an Orchestrator. Call Start before Enqueue.
func New(cfg Config, repo interfaces.JobRepository, gen Generator, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.RecoverScan <= 0 {
		cfg.RecoverScan = def.RecoverScan
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}

	o := &Orchestrator{
		cfg:       cfg,
		repo:      repo,
		generator: gen,
		workerID:  "worker-" + uuid.NewString(),
		now:       time.Now,
		sleep:     sleepContext,
	}
	o.pool = NewPool(cfg.Workers, cfg.QueueSize, o.Process)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches workers and resubmits jobs left behind by a previous run
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.pool.Start(ctx); err != nil {
		return err
	}
	if _, err := o.Recover(ctx); err != nil {
		return goerr.Wrap(err, "failed to recover jobs")
	}
	return nil
}

// Stop stops accepting work and waits for in-flight jobs
func (o *Orchestrator) Stop(timeout time.Duration) error {
	return o.pool.Stop(timeout)
}

// Stats returns worker pool counters
func (o *Orchestrator) Stats() PoolStats {
	return o.pool.Stats()
}

// Enqueue persists a PENDING job and hands it to the workers. A full queue leaves
// the job PENDING for the next recovery scan.
func (o *Orchestrator) Enqueue(ctx context.Context, userID string, req *model.Request) (*model.Job, error) {
	now := o.now()
	job := &model.Job{
		ID:        model.NewJobID(),
		UserID:    userID,
		Request:   *req,
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.repo.PutJob(ctx, job); err != nil {
		return nil, goerr.Wrap(err, "failed to persist job", goerr.Value("job_id", job.ID))
	}

	o.submit(ctx, job.ID)
	o.emit(ctx, model.EventJobEnqueued, "job_id", job.ID.String(), "image", req.IsImage())
	return job, nil
}

// Status returns the caller-facing view of a job
func (o *Orchestrator) Status(ctx context.Context, id model.JobID) (*model.JobStatusView, error) {
	job, err := o.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &model.JobStatusView{JobID: job.ID, Status: job.Status}
	switch job.Status {
	case model.JobReady:
		view.Manifest = job.Manifest
	case model.JobFailed:
		view.Error = model.CodeJobFailed.UserMessage()
	case model.JobPending, model.JobProcessing:
	}
	return view, nil
}

// Process claims and runs one job. It is the worker pool's processor.
func (o *Orchestrator) Process(ctx context.Context, id model.JobID) error {
	logger := logging.From(ctx).With("job_id", id.String())
	ctx = logging.With(ctx, logger)

	job, err := o.repo.ClaimJob(ctx, id, o.workerID, o.now(), o.cfg.Lease)
	if err != nil {
		if errors.Is(err, model.ErrAlreadyClaimed) || errors.Is(err, model.ErrJobNotFound) {
			logger.Debug("job not claimable", "error", err)
			return nil
		}
		return goerr.Wrap(err, "failed to claim job", goerr.Value("job_id", id))
	}

	var lastErr error = errAttemptsSpent
	for job.Attempts < o.cfg.MaxAttempts {
		if job.Attempts > 0 && o.cfg.RetryDelay > 0 {
			if err := o.sleep(ctx, o.cfg.RetryDelay); err != nil {
				return nil // shutting down, lease expiry hands the job to recovery
			}
		}

		job.Attempts++
		job.UpdatedAt = o.now()
		job.ClaimedUntil = job.UpdatedAt.Add(o.cfg.Lease)
		if err := o.repo.UpdateJob(ctx, job); err != nil {
			return goerr.Wrap(err, "failed to record job attempt", goerr.Value("job_id", id))
		}

		outcome, err := o.generator.Generate(ctx, &job.Request)
		if err == nil && !outcome.Clarify {
			return o.complete(ctx, job, outcome)
		}
		if ctx.Err() != nil {
			return nil
		}

		if err == nil {
			// Nobody can answer a clarification for a background job
			lastErr = goerr.New("input is too ambiguous to generate a manifest",
				goerr.Value("question", outcome.Question))
			return o.fail(ctx, job, model.FailureValidationFailure, lastErr)
		}

		lastErr = err
		logger.Warn("job attempt failed", "attempt", job.Attempts, "error", err)
		if !retryable(err) {
			break
		}
	}

	return o.fail(ctx, job, generation.Reason(lastErr), lastErr)
}

// retryable reports whether another job-level attempt may succeed
func retryable(err error) bool {
	switch generation.Code(err) {
	case model.CodeUpstreamUnavailable, model.CodeInvalidOutput:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) complete(ctx context.Context, job *model.Job, outcome *generation.Outcome) error {
	now := o.now()
	job.Manifest = outcome.Manifest
	job.Error = ""
	if err := job.Transition(model.JobReady, now); err != nil {
		return err
	}
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		return goerr.Wrap(err, "failed to store finished job", goerr.Value("job_id", job.ID))
	}

	if o.cache != nil && o.embedder != nil {
		o.store(ctx, job)
	}

	o.notify(ctx, job, model.NotificationJobReady, "Your simulation is ready.")
	o.emit(ctx, model.EventJobTerminal, "job_id", job.ID.String(), "status", string(model.JobReady),
		"attempts", job.Attempts)
	return nil
}

func (o *Orchestrator) store(ctx context.Context, job *model.Job) {
	emb, key, err := generation.Fingerprint(ctx, o.embedder, &job.Request)
	if err != nil {
		logging.From(ctx).Warn("skip caching job result", "error", err)
		return
	}
	var opts []simcache.PutOption
	if key != "" {
		opts = append(opts, simcache.WithKey(key))
	}
	if err := o.cache.Put(ctx, emb, job.Request.Text, job.Manifest, opts...); err != nil {
		logging.From(ctx).Warn("failed to cache job result", "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, job *model.Job, reason model.FailureReason, cause error) error {
	now := o.now()
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}

	job.Error = string(reason)
	if err := job.Transition(model.JobFailed, now); err != nil {
		return err
	}
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		return goerr.Wrap(err, "failed to store failed job", goerr.Value("job_id", job.ID))
	}

	dl := model.NewDeadLetter(job, reason, detail, now)
	prev, err := o.repo.GetDeadLetter(ctx, job.ID)
	switch {
	case err == nil:
		dl.Supersede(prev)
	case !errors.Is(err, model.ErrDeadLetterNotFound):
		logging.From(ctx).Warn("failed to read earlier dead letter", "job_id", job.ID.String(), "error", err)
	}
	if err := o.repo.PutDeadLetter(ctx, dl); err != nil {
		return goerr.Wrap(err, "failed to store dead letter", goerr.Value("job_id", job.ID))
	}

	o.notify(ctx, job, model.NotificationJobFailed, model.CodeJobFailed.UserMessage())
	o.emit(ctx, model.EventJobTerminal, "job_id", job.ID.String(), "status", string(model.JobFailed),
		"reason", string(reason), "attempts", job.Attempts)
	return nil
}

// Requeue resets a dead-lettered job to PENDING with a fresh attempt budget. The
// dead-letter record stays until its own expiry, marked as requeued.
func (o *Orchestrator) Requeue(ctx context.Context, id model.JobID) (*model.Job, error) {
	dl, err := o.repo.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}

	now := o.now()
	job, err := o.repo.GetJob(ctx, id)
	switch {
	case errors.Is(err, model.ErrJobNotFound):
		// The job row outlived its retention; rebuild it from the dead letter
		job = &model.Job{
			ID:        dl.JobID,
			UserID:    dl.UserID,
			Request:   dl.Request,
			Status:    model.JobPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	case err != nil:
		return nil, err
	default:
		if err := job.Transition(model.JobPending, now); err != nil {
			return nil, err
		}
	}
	job.Attempts = 0
	job.Error = ""
	job.Manifest = nil

	if err := o.repo.PutJob(ctx, job); err != nil {
		return nil, goerr.Wrap(err, "failed to persist requeued job", goerr.Value("job_id", id))
	}

	dl.RequeuedAt = &now
	if err := o.repo.PutDeadLetter(ctx, dl); err != nil {
		return nil, goerr.Wrap(err, "failed to mark dead letter requeued", goerr.Value("job_id", id))
	}

	o.submit(ctx, job.ID)
	o.emit(ctx, model.EventJobRequeued, "job_id", id.String(), "reason", string(dl.Reason))
	return job, nil
}

// ListDeadLetters returns dead letters newest first
func (o *Orchestrator) ListDeadLetters(ctx context.Context, offset, limit int) ([]*model.DeadLetter, error) {
	return o.repo.ListDeadLetters(ctx, offset, limit)
}

// Recover resubmits PENDING jobs and PROCESSING jobs whose lease has expired
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	now := o.now()
	count := 0

	pending, err := o.repo.ListJobsByStatus(ctx, model.JobPending, o.cfg.RecoverScan)
	if err != nil {
		return 0, err
	}
	for _, job := range pending {
		o.submit(ctx, job.ID)
		count++
	}

	processing, err := o.repo.ListJobsByStatus(ctx, model.JobProcessing, o.cfg.RecoverScan)
	if err != nil {
		return count, err
	}
	for _, job := range processing {
		if now.Before(job.ClaimedUntil) {
			continue
		}
		o.submit(ctx, job.ID)
		count++
	}

	if count > 0 {
		logging.From(ctx).Info("jobs recovered", "count", count)
	}
	return count, nil
}

// Sweep deletes terminal jobs and dead letters past their retention
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	n, err := o.repo.DeleteExpired(ctx, o.now())
	if err != nil {
		return 0, goerr.Wrap(err, "failed to sweep expired jobs")
	}
	if n > 0 {
		logging.From(ctx).Info("expired jobs swept", "count", n)
	}
	return n, nil
}

// RunMaintenance sweeps and recovers every interval until ctx is done
func (o *Orchestrator) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Sweep(ctx); err != nil {
				logging.From(ctx).Error("sweep failed", "error", err)
			}
			if _, err := o.Recover(ctx); err != nil {
				logging.From(ctx).Error("recovery failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) submit(ctx context.Context, id model.JobID) {
	if err := o.pool.Submit(id); err != nil {
		logging.From(ctx).Warn("job left pending for recovery", "job_id", id.String(), "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, job *model.Job, kind, msg string) {
	if o.notifier == nil || job.UserID == "" {
		return
	}
	n := &model.Notification{
		Recipient: job.UserID,
		Kind:      kind,
		JobID:     job.ID,
		Message:   msg,
		CreatedAt: o.now(),
	}
	if err := o.notifier.Notify(ctx, n); err != nil {
		logging.From(ctx).Warn("failed to notify user", "kind", kind, "error", err)
	}
}

func (o *Orchestrator) emit(ctx context.Context, typ model.EventType, kv ...any) {
	if o.sink != nil {
		o.sink.Emit(ctx, model.NewEvent(typ, o.now(), kv...))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
