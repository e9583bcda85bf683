package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/service/event"
	"github.com/m-mizutani/simgen/pkg/service/retry"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestRetriableErrorAttemptedFourTimes(t *testing.T) {
	rec := &sleepRecorder{}
	sink := event.NewRecorder()
	exec := retry.New(retry.DefaultConfig(), retry.WithSleep(rec.sleep), retry.WithEventSink(sink))

	calls := 0
	err := exec.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return model.NewUpstreamError(model.UpstreamServerError, errors.New("503"))
	})

	gt.Error(t, err)
	gt.True(t, errors.Is(err, retry.ErrExhausted))
	gt.Equal(t, calls, 4)
	gt.Equal(t, rec.delays, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second})
	gt.Equal(t, sink.Count(model.EventRetryAttempt), 4)

	kind, ok := model.ClassifyUpstream(err)
	gt.True(t, ok)
	gt.Equal(t, kind, model.UpstreamServerError)
}

func TestNonRetriableErrorAttemptedOnce(t *testing.T) {
	for _, kind := range []model.UpstreamErrorKind{
		model.UpstreamBadRequest,
		model.UpstreamUnauthorized,
		model.UpstreamForbidden,
	} {
		t.Run(string(kind), func(t *testing.T) {
			rec := &sleepRecorder{}
			exec := retry.New(retry.DefaultConfig(), retry.WithSleep(rec.sleep))

			calls := 0
			err := exec.Execute(context.Background(), func(ctx context.Context) error {
				calls++
				return model.NewUpstreamError(kind, errors.New("rejected"))
			})

			gt.Error(t, err)
			gt.False(t, errors.Is(err, retry.ErrExhausted))
			gt.Equal(t, calls, 1)
			gt.A(t, rec.delays).Length(0)
		})
	}
}

func TestUnclassifiedErrorIsNotRetried(t *testing.T) {
	exec := retry.New(retry.DefaultConfig(), retry.WithSleep(func(context.Context, time.Duration) error { return nil }))

	calls := 0
	err := exec.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})
	gt.Error(t, err)
	gt.Equal(t, calls, 1)
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	rec := &sleepRecorder{}
	exec := retry.New(retry.DefaultConfig(), retry.WithSleep(rec.sleep))

	calls := 0
	result, err := retry.Do(context.Background(), exec, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", model.NewUpstreamError(model.UpstreamRateLimited, errors.New("429"))
		}
		return "ok", nil
	})

	gt.NoError(t, err)
	gt.Equal(t, result, "ok")
	gt.Equal(t, calls, 3)
	gt.Equal(t, rec.delays, []time.Duration{time.Second, 2 * time.Second})
}

func TestAttemptTimeoutIsRetriable(t *testing.T) {
	cfg := retry.DefaultConfig()
	cfg.AttemptTimeout = 10 * time.Millisecond
	cfg.MaxRetries = 1
	exec := retry.New(cfg, retry.WithSleep(func(context.Context, time.Duration) error { return nil }))

	calls := 0
	err := exec.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	gt.Error(t, err)
	gt.Equal(t, calls, 2)
	gt.True(t, errors.Is(err, retry.ErrExhausted))
	kind, ok := model.ClassifyUpstream(err)
	gt.True(t, ok)
	gt.Equal(t, kind, model.UpstreamTimeout)
}

func TestCallerCancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := retry.New(retry.DefaultConfig(), retry.WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	err := exec.Execute(ctx, func(ctx context.Context) error {
		calls++
		return model.NewUpstreamError(model.UpstreamTimeout, errors.New("slow"))
	})

	gt.Error(t, err)
	gt.True(t, errors.Is(err, retry.ErrAbandoned))
	gt.False(t, errors.Is(err, retry.ErrExhausted))
	gt.Equal(t, calls, 1)
}

func TestRealBackoffDelays(t *testing.T) {
	if testing.Short() {
		t.Skip("takes about 7 seconds")
	}

	exec := retry.New(retry.DefaultConfig())
	var stamps []time.Time
	err := exec.Execute(context.Background(), func(ctx context.Context) error {
		stamps = append(stamps, time.Now())
		return model.NewUpstreamError(model.UpstreamTimeout, errors.New("slow"))
	})
	gt.Error(t, err)
	gt.A(t, stamps).Length(4)

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range expected {
		got := stamps[i+1].Sub(stamps[i])
		gt.True(t, got >= want).Describe("backoff shorter than expected")
		gt.True(t, got < want+500*time.Millisecond).Describe("backoff longer than expected")
	}
}
