package generate

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/service/breaker"
	"github.com/m-mizutani/simgen/pkg/service/generation"
	"github.com/m-mizutani/simgen/pkg/service/retry"
	"github.com/m-mizutani/simgen/pkg/service/simcache"
	"github.com/m-mizutani/simgen/pkg/utils/logging"
)

var errBudgetSpent = goerr.New("synchronous generation budget spent")

// Submit resolves a request to a manifest, a job, a clarification question, a featured
// fallback or a user-facing error. The returned error is set only when the request
// could not be handled at all, e.g. a job could not be persisted.
func (uc *UseCase) Submit(ctx context.Context, req *model.Request) (*model.Response, error) {
	logger := logging.From(ctx).With("user_id", req.UserID, "image", req.IsImage())
	ctx = logging.With(ctx, logger)

	if err := req.Validate(); err != nil {
		logger.Info("request rejected", "error", err)
		return uc.failure(ctx, model.CodeInvalidInput, err), nil
	}

	emb, key, err := generation.Fingerprint(ctx, uc.embedder, req)
	if err != nil {
		if !uc.pipeline.Permits() {
			return uc.fallback(ctx, nil), nil
		}
		logger.Warn("failed to fingerprint request", "error", err)
		return uc.failure(ctx, generation.Code(err), err), nil
	}

	// Checked before the cache so an outage answers the same way for every request
	if !uc.pipeline.Permits() {
		return uc.fallback(ctx, emb), nil
	}

	if entry := uc.lookup(ctx, emb, key); entry != nil {
		return &model.Response{
			Kind:     model.ResponseManifest,
			Hit:      true,
			Manifest: entry.Manifest,
		}, nil
	}

	if async, why := uc.shouldRedirect(ctx, req); async {
		return uc.enqueue(ctx, req, why)
	}

	outcome, err := uc.generate(ctx, req)
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return uc.fallback(ctx, emb), nil
		}
		if errors.Is(err, errBudgetSpent) {
			return uc.enqueue(ctx, req, "budget")
		}
		logger.Warn("generation failed", "error", err)
		return uc.failure(ctx, generation.Code(err), err), nil
	}

	if outcome.Clarify {
		question := outcome.Question
		if question == "" {
			question = defaultQuestion
		}
		uc.emit(ctx, model.EventClarification, "image", req.IsImage())
		return &model.Response{
			Kind:       model.ResponseClarification,
			Question:   question,
			Confidence: outcome.Confidence,
			Message:    "We need a little more detail to build this simulation.",
		}, nil
	}

	var opts []simcache.PutOption
	if key != "" {
		opts = append(opts, simcache.WithKey(key))
	}
	if err := uc.cache.Put(ctx, emb, req.Text, outcome.Manifest, opts...); err != nil {
		logger.Warn("failed to cache manifest", "error", err)
	}

	return &model.Response{
		Kind:     model.ResponseManifest,
		Manifest: outcome.Manifest,
		Warnings: outcome.Warnings,
	}, nil
}

// generate runs the pipeline within the synchronous budget. Running out of budget,
// while the caller is still waiting, is reported as errBudgetSpent.
func (uc *UseCase) generate(ctx context.Context, req *model.Request) (*generation.Outcome, error) {
	budget := uc.Budget(req)
	genCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	outcome, err := uc.pipeline.Generate(genCtx, req)
	if err != nil && errors.Is(err, retry.ErrAbandoned) && genCtx.Err() != nil && ctx.Err() == nil {
		return nil, goerr.Wrap(errBudgetSpent, err.Error(), goerr.Value("budget", budget))
	}
	return outcome, err
}

func (uc *UseCase) lookup(ctx context.Context, emb model.Embedding, key string) *model.CacheEntry {
	if key != "" {
		entry, ok := uc.cache.GetByKey(ctx, key)
		if !ok {
			return nil
		}
		return entry
	}

	entry, ok, err := uc.cache.Get(ctx, emb)
	if err != nil {
		logging.From(ctx).Warn("cache lookup failed", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return entry
}

// shouldRedirect reports whether the request must run as a job instead of inline
func (uc *UseCase) shouldRedirect(ctx context.Context, req *model.Request) (bool, string) {
	estimate, err := uc.estimator.Estimate(ctx, req)
	if err != nil {
		logging.From(ctx).Warn("cost estimation failed", "error", err)
	} else if estimate > uc.costThreshold {
		return true, "cost"
	}

	budget := uc.Budget(req)
	if deadline, ok := ctx.Deadline(); ok && deadline.Sub(uc.now()) < budget {
		return true, "deadline"
	}
	return false, ""
}

func (uc *UseCase) enqueue(ctx context.Context, req *model.Request, why string) (*model.Response, error) {
	// The job outlives the caller's deadline
	job, err := uc.jobs.Enqueue(context.WithoutCancel(ctx), req.UserID, req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to enqueue generation job")
	}

	uc.emit(ctx, model.EventAsyncRedirect, "job_id", job.ID.String(), "why", why)
	return &model.Response{
		Kind:      model.ResponseJob,
		JobID:     job.ID,
		JobStatus: job.Status,
		Message:   "This simulation takes a little longer to build. Check back with the job ID.",
	}, nil
}

func (uc *UseCase) fallback(ctx context.Context, emb model.Embedding) *model.Response {
	items := uc.catalog.TopK(emb, uc.fallbackK)
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	uc.emit(ctx, model.EventFallbackServed, "featured", ids)

	return &model.Response{
		Kind:     model.ResponseFallback,
		Featured: items,
		Message:  fallbackMessage,
	}
}

func (uc *UseCase) failure(ctx context.Context, code model.ErrorCode, cause error) *model.Response {
	kv := []any{"code", string(code)}
	if kind, ok := model.ClassifyUpstream(cause); ok {
		kv = append(kv, "kind", string(kind))
	}
	uc.emit(ctx, model.EventRequestFailed, kv...)
	return model.ErrorResponse(code)
}

// Budget returns the synchronous latency budget for req
func (uc *UseCase) Budget(req *model.Request) time.Duration {
	if req.IsImage() {
		return uc.imageBudget
	}
	return uc.textBudget
}
