package breaker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/service/breaker"
	"github.com/m-mizutani/simgen/pkg/service/event"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(t *testing.T) (*breaker.Breaker, *fakeClock, *event.Recorder) {
	t.Helper()
	clock := newFakeClock()
	sink := event.NewRecorder()
	b := breaker.New(breaker.DefaultConfig(), breaker.WithClock(clock.Now), breaker.WithEventSink(sink))
	return b, clock, sink
}

func fail(t *testing.T, b *breaker.Breaker, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ticket, err := b.Allow(ctx)
		gt.NoError(t, err)
		ticket.Failure(ctx)
	}
}

func TestOpensAfterFiveFailures(t *testing.T) {
	ctx := context.Background()
	b, clock, sink := newBreaker(t)

	fail(t, b, 4)
	gt.Equal(t, b.State(), breaker.StateClosed)
	gt.Equal(t, b.Failures(), 4)

	clock.Advance(time.Second)
	fail(t, b, 1)
	gt.Equal(t, b.State(), breaker.StateOpen)
	gt.False(t, b.Permits())

	_, err := b.Allow(ctx)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, breaker.ErrCircuitOpen))

	transitions := sink.Filter(model.EventBreakerTransition)
	gt.A(t, transitions).Length(1)
	gt.Equal(t, transitions[0].Fields["from"], any("CLOSED"))
	gt.Equal(t, transitions[0].Fields["to"], any("OPEN"))
}

func TestFailuresOutsideWindowAreForgotten(t *testing.T) {
	b, clock, _ := newBreaker(t)

	fail(t, b, 4)
	clock.Advance(61 * time.Second)
	fail(t, b, 1)

	gt.Equal(t, b.State(), breaker.StateClosed)
	gt.Equal(t, b.Failures(), 1)
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	ctx := context.Background()
	b, clock, sink := newBreaker(t)
	fail(t, b, 5)

	clock.Advance(29 * time.Second)
	_, err := b.Allow(ctx)
	gt.True(t, errors.Is(err, breaker.ErrCircuitOpen))

	clock.Advance(time.Second)
	gt.True(t, b.Permits())
	probe, err := b.Allow(ctx)
	gt.NoError(t, err)
	gt.Equal(t, b.State(), breaker.StateHalfOpen)

	// Only one probe may be in flight
	gt.False(t, b.Permits())
	_, err = b.Allow(ctx)
	gt.True(t, errors.Is(err, breaker.ErrCircuitOpen))

	probe.Success(ctx)
	gt.Equal(t, b.State(), breaker.StateClosed)
	gt.Equal(t, b.Failures(), 0)
	gt.Equal(t, sink.Count(model.EventBreakerTransition), 3)
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	ctx := context.Background()
	b, clock, _ := newBreaker(t)
	fail(t, b, 5)

	clock.Advance(30 * time.Second)
	probe, err := b.Allow(ctx)
	gt.NoError(t, err)

	clock.Advance(2 * time.Second)
	probe.Failure(ctx)
	gt.Equal(t, b.State(), breaker.StateOpen)

	// openedAt was reset at probe failure
	clock.Advance(29 * time.Second)
	gt.False(t, b.Permits())
	clock.Advance(time.Second)
	gt.True(t, b.Permits())
}

func TestAbandonedProbeFreesSlot(t *testing.T) {
	ctx := context.Background()
	b, clock, sink := newBreaker(t)
	fail(t, b, 5)
	clock.Advance(30 * time.Second)

	probe, err := b.Allow(ctx)
	gt.NoError(t, err)
	probe.Abandon()

	gt.Equal(t, b.State(), breaker.StateHalfOpen)
	gt.True(t, b.Permits())

	next, err := b.Allow(ctx)
	gt.NoError(t, err)
	next.Success(ctx)
	gt.Equal(t, b.State(), breaker.StateClosed)
	gt.Equal(t, sink.Count(model.EventBreakerTransition), 3)
}

func TestTicketOutcomeRecordedOnce(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newBreaker(t)

	ticket, err := b.Allow(ctx)
	gt.NoError(t, err)
	ticket.Failure(ctx)
	ticket.Failure(ctx)
	ticket.Success(ctx)

	gt.Equal(t, b.Failures(), 1)
}

func TestLateFailureAfterOpenIgnored(t *testing.T) {
	ctx := context.Background()
	b, clock, _ := newBreaker(t)

	stale, err := b.Allow(ctx)
	gt.NoError(t, err)

	fail(t, b, 5)
	clock.Advance(30 * time.Second)
	probe, err := b.Allow(ctx)
	gt.NoError(t, err)
	probe.Success(ctx)
	gt.Equal(t, b.State(), breaker.StateClosed)

	// Admitted before the circuit opened, so it belongs to an old period
	stale.Failure(ctx)
	gt.Equal(t, b.Failures(), 0)
}

func TestConcurrentAllowSingleProbe(t *testing.T) {
	ctx := context.Background()
	b, clock, _ := newBreaker(t)
	fail(t, b, 5)
	clock.Advance(30 * time.Second)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Allow(ctx); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	gt.Equal(t, granted, 1)
}
