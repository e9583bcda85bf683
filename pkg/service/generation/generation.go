// Package generation runs one full generation for a request: circuit breaker ticket,
// retried backend call, confidence gate and validation. It is shared by the
// synchronous request path and job workers.
package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/interfaces"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/service/breaker"
	"github.com/m-mizutani/simgen/pkg/service/retry"
	"github.com/m-mizutani/simgen/pkg/service/validator"
	"github.com/m-mizutani/simgen/pkg/utils/logging"
)

// ErrInvalidOutput is matched by every InvalidOutputError
var ErrInvalidOutput = goerr.New("generated manifest is invalid")

// InvalidOutputError is returned when every generation round produced an invalid manifest
type InvalidOutputError struct {
	Reason model.FailureReason
	Detail string
	Rounds int
}

func (e *InvalidOutputError) Error() string {
	return fmt.Sprintf("generated manifest is invalid after %d round(s): %s", e.Rounds, e.Detail)
}

func (e *InvalidOutputError) Is(target error) bool {
	return target == ErrInvalidOutput
}

const (
	// DefaultConfidenceThreshold is the minimum image interpretation confidence
	DefaultConfidenceThreshold = 0.7
	// DefaultValidationRetries is the number of whole regenerations after an invalid manifest
	DefaultValidationRetries = 1

	ImageKeyPrefix = "image:"
)

// Outcome of a generation that reached the backend successfully
type Outcome struct {
	Manifest   *model.Manifest
	Warnings   []string
	Confidence *float64

	// Set when the input was too ambiguous to build a manifest
	Clarify  bool
	Question string
}

// Pipeline wires the generation collaborators together
type Pipeline struct {
	generator interfaces.Generator
	breaker   *breaker.Breaker
	retry     *retry.Executor
	validator *validator.Validator
	sink      interfaces.EventSink
	now       func() time.Time

	confidenceThreshold float64
	validationRetries   int
}

// Option is a functional option for Pipeline
type Option func(*Pipeline)

func WithConfidenceThreshold(v float64) Option {
	return func(p *Pipeline) {
		p.confidenceThreshold = v
	}
}

func WithValidationRetries(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.validationRetries = n
		}
	}
}

func WithEventSink(sink interfaces.EventSink) Option {
	return func(p *Pipeline) {
		p.sink = sink
	}
}

// New creates a Pipeline
func New(gen interfaces.Generator, b *breaker.Breaker, r *retry.Executor, v *validator.Validator, opts ...Option) *Pipeline {
	p := &Pipeline{
		generator:           gen,
		breaker:             b,
		retry:               r,
		validator:           v,
		now:                 time.Now,
		confidenceThreshold: DefaultConfidenceThreshold,
		validationRetries:   DefaultValidationRetries,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Permits reports whether the breaker would admit a generation right now
func (p *Pipeline) Permits() bool {
	return p.breaker.Permits()
}

// Generate runs the pipeline. Errors are breaker.ErrCircuitOpen, classified upstream
// errors (possibly wrapping retry.ErrExhausted or retry.ErrAbandoned) or ErrInvalidOutput.
func (p *Pipeline) Generate(ctx context.Context, req *model.Request) (*Outcome, error) {
	input := &interfaces.GenerateInput{
		Text:      req.Text,
		Image:     req.Image,
		ImageMIME: req.ImageMIME,
		Hint:      req.Hint,
	}

	var last *validator.Result
	for round := 0; round <= p.validationRetries; round++ {
		out, err := p.call(ctx, input)
		if err != nil {
			return nil, err
		}

		if clarify, ok := p.clarification(req, out); ok {
			return clarify, nil
		}

		result := p.validator.Validate(ctx, out.Raw)
		if result.Valid {
			p.emit(ctx, model.EventGenerated, "round", round+1, "warnings", len(result.Warnings))
			return &Outcome{
				Manifest:   result.Manifest,
				Warnings:   result.WarningMessages(),
				Confidence: out.Confidence,
			}, nil
		}

		last = result
		logging.From(ctx).Warn("generated manifest rejected",
			"round", round+1, "reason", result.FailureReason(), "detail", result.Error())
	}

	return nil, &InvalidOutputError{
		Reason: last.FailureReason(),
		Detail: last.Error(),
		Rounds: p.validationRetries + 1,
	}
}

// call performs the retried backend call inside one breaker ticket
func (p *Pipeline) call(ctx context.Context, input *interfaces.GenerateInput) (*interfaces.GenerateOutput, error) {
	ticket, err := p.breaker.Allow(ctx)
	if err != nil {
		return nil, err
	}

	out, err := retry.Do(ctx, p.retry, func(ctx context.Context) (*interfaces.GenerateOutput, error) {
		return p.generator.Generate(ctx, input)
	})

	switch {
	case err == nil:
		ticket.Success(ctx)
		return out, nil

	case errors.Is(err, retry.ErrAbandoned):
		ticket.Abandon()

	case model.IsRetriable(err):
		ticket.Failure(ctx)

	default:
		// Rejected by the backend as a caller problem; says nothing about its health
		ticket.Abandon()
	}
	return nil, err
}

func (p *Pipeline) clarification(req *model.Request, out *interfaces.GenerateOutput) (*Outcome, bool) {
	if req.IsImage() && out.Confidence != nil && *out.Confidence < p.confidenceThreshold {
		return &Outcome{Clarify: true, Question: out.Question, Confidence: out.Confidence}, true
	}
	if len(out.Raw) == 0 && out.Question != "" {
		return &Outcome{Clarify: true, Question: out.Question, Confidence: out.Confidence}, true
	}
	return nil, false
}

func (p *Pipeline) emit(ctx context.Context, typ model.EventType, kv ...any) {
	if p.sink != nil {
		p.sink.Emit(ctx, model.NewEvent(typ, p.now(), kv...))
	}
}

// Fingerprint returns the embedding used to look up and store a request, and for
// images the exact content key. Images are embedded through a text form of their
// content hash.
func Fingerprint(ctx context.Context, embedder interfaces.Embedder, req *model.Request) (model.Embedding, string, error) {
	if req.IsImage() {
		key := model.ContentHash(req.Image)
		emb, err := embedder.Embed(ctx, ImageKeyPrefix+key)
		if err != nil {
			return nil, "", goerr.Wrap(err, "failed to embed image key")
		}
		return emb, key, nil
	}

	emb, err := embedder.Embed(ctx, req.Text)
	if err != nil {
		return nil, "", goerr.Wrap(err, "failed to embed request text")
	}
	return emb, "", nil
}

// Reason maps a generation error to the dead-letter taxonomy
func Reason(err error) model.FailureReason {
	var invalid *InvalidOutputError
	if errors.As(err, &invalid) {
		if invalid.Reason != "" {
			return invalid.Reason
		}
		return model.FailureInvalidOutput
	}

	if kind, ok := model.ClassifyUpstream(err); ok && kind == model.UpstreamTimeout {
		return model.FailureTimeout
	}
	return model.FailureUpstreamError
}

// Code maps a generation error to the user-facing error taxonomy
func Code(err error) model.ErrorCode {
	switch {
	case errors.Is(err, ErrInvalidOutput):
		return model.CodeInvalidOutput
	case errors.Is(err, breaker.ErrCircuitOpen):
		return model.CodeUpstreamUnavailable
	}

	if kind, ok := model.ClassifyUpstream(err); ok {
		if kind.Retriable() {
			return model.CodeUpstreamUnavailable
		}
		return model.CodeUpstreamPermanent
	}
	return model.CodeInternal
}
