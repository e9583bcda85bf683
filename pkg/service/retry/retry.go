// Package retry wraps a single upstream operation with classified, bounded
// exponential backoff. It knows nothing about circuit or job state.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/interfaces"
	"github.com/m-mizutani/simgen/pkg/model"
)

var (
	// ErrExhausted is returned when every allowed attempt failed with a retriable error
	ErrExhausted = goerr.New("retry budget exhausted")
	// ErrAbandoned is returned when the caller's context ended between attempts
	ErrAbandoned = goerr.New("retry abandoned by caller")
)

// Outcome classifies the result of one attempt
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeRetriable    Outcome = "retriable"
	OutcomeNonRetriable Outcome = "non_retriable"
)

// Config provides retry configuration
type Config struct {
	MaxRetries     int           // Retries after the first attempt
	InitialDelay   time.Duration // Delay before the first retry
	Multiplier     float64       // Backoff multiplier
	AttemptTimeout time.Duration // Hard timeout of a single attempt, 0 = none
}

// DefaultConfig returns 3 retries at 1s, 2s, 4s with a 5s attempt timeout
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialDelay:   time.Second,
		Multiplier:     2.0,
		AttemptTimeout: 5 * time.Second,
	}
}

// Context is the per-call retry state
type Context struct {
	Attempt   int
	Last      Outcome
	LastErr   error
	NextDelay time.Duration
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor runs operations with the configured retry policy
type Executor struct {
	cfg   Config
	sleep SleepFunc
	sink  interfaces.EventSink
	now   func() time.Time
}

// Option is a functional option for Executor
type Option func(*Executor)

// WithSleep replaces the backoff wait, mainly for tests
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) {
		e.sleep = fn
	}
}

// WithEventSink sets the sink receiving retry_attempt events
func WithEventSink(sink interfaces.EventSink) Option {
	return func(e *Executor) {
		e.sink = sink
	}
}

// New creates an Executor
func New(cfg Config, opts ...Option) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}

	e := &Executor{
		cfg:   cfg,
		sleep: sleepContext,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Classify maps an attempt error to its outcome
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if model.IsRetriable(err) {
		return OutcomeRetriable
	}
	return OutcomeNonRetriable
}

// Execute runs fn until it succeeds, fails non-retriably, or the retry budget is spent.
// On exhaustion the returned error wraps both ErrExhausted and the last attempt error.
func (e *Executor) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	rc := &Context{NextDelay: e.cfg.InitialDelay}

	for {
		if err := ctx.Err(); err != nil {
			return goerr.Wrap(errors.Join(ErrAbandoned, err), "caller abandoned before attempt",
				goerr.Value("attempt", rc.Attempt+1))
		}

		err := e.attempt(ctx, fn)
		rc.Attempt++
		rc.Last = Classify(err)
		rc.LastErr = err

		// A deadline from the caller is abandonment, not an upstream timeout
		if err != nil && ctx.Err() != nil {
			return goerr.Wrap(errors.Join(ErrAbandoned, err), "caller abandoned during attempt",
				goerr.Value("attempt", rc.Attempt))
		}

		e.emit(ctx, rc)

		switch rc.Last {
		case OutcomeSuccess:
			return nil
		case OutcomeNonRetriable:
			return err
		case OutcomeRetriable:
			// handled below
		}

		if rc.Attempt > e.cfg.MaxRetries {
			return goerr.Wrap(errors.Join(ErrExhausted, err), "all attempts failed",
				goerr.Value("attempts", rc.Attempt))
		}

		if err := e.sleep(ctx, rc.NextDelay); err != nil {
			return goerr.Wrap(errors.Join(ErrAbandoned, err), "caller abandoned during backoff",
				goerr.Value("attempt", rc.Attempt+1))
		}
		rc.NextDelay = time.Duration(float64(rc.NextDelay) * e.cfg.Multiplier)
	}
}

func (e *Executor) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.cfg.AttemptTimeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		if _, classified := model.ClassifyUpstream(err); !classified {
			return model.NewUpstreamError(model.UpstreamTimeout, err)
		}
	}
	return err
}

func (e *Executor) emit(ctx context.Context, rc *Context) {
	if e.sink == nil {
		return
	}
	kv := []any{"attempt", rc.Attempt, "outcome", string(rc.Last)}
	if kind, ok := model.ClassifyUpstream(rc.LastErr); ok {
		kv = append(kv, "kind", string(kind))
	}
	e.sink.Emit(ctx, model.NewEvent(model.EventRetryAttempt, e.now(), kv...))
}

// Do runs fn through e and returns its result
func Do[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	return result, err
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
