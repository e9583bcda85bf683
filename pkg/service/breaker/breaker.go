// Package breaker implements the circuit breaker guarding the generative backend.
//
// CLOSED lets attempts through and counts failures in a sliding window. Reaching the
// threshold opens the circuit. OPEN short-circuits every attempt until the cool-down
// has elapsed, after which exactly one probe is admitted (HALF_OPEN). The probe result
// closes or re-opens the circuit. All state is guarded by one mutex.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/interfaces"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/utils/logging"
)

var ErrCircuitOpen = goerr.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds breaker thresholds
type Config struct {
	FailureThreshold int           // Failures within Window that open the circuit
	Window           time.Duration // Sliding window for counting failures
	OpenTimeout      time.Duration // Time in OPEN before a probe is allowed
}

// DefaultConfig returns 5 failures within 60s, 30s cool-down
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker is the process-wide circuit state. Create one and inject it.
type Breaker struct {
	cfg  Config
	now  func() time.Time
	sink interfaces.EventSink

	mu            sync.Mutex
	state         State
	failures      []time.Time
	openedAt      time.Time
	probeInFlight bool
	generation    uint64
}

// Option is a functional option for Breaker
type Option func(*Breaker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithEventSink sets the sink receiving breaker_transition events
func WithEventSink(sink interfaces.EventSink) Option {
	return func(b *Breaker) {
		b.sink = sink
	}
}

// New creates a breaker in CLOSED state
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}

	b := &Breaker{
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ticket is the permission for one generation attempt sequence.
// Exactly one of Success, Failure or Abandon must be called.
type Ticket struct {
	b          *Breaker
	probe      bool
	generation uint64
	once       sync.Once
}

// Allow asks for permission to call the backend. It returns ErrCircuitOpen while OPEN,
// and while HALF_OPEN with the single probe already taken.
func (b *Breaker) Allow(ctx context.Context) (*Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return &Ticket{b: b, generation: b.generation}, nil

	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.OpenTimeout {
			return nil, goerr.Wrap(ErrCircuitOpen, "backend calls are suspended",
				goerr.Value("opened_at", b.openedAt))
		}
		b.transitionLocked(ctx, StateHalfOpen, now)
		b.probeInFlight = true
		return &Ticket{b: b, probe: true, generation: b.generation}, nil

	case StateHalfOpen:
		if b.probeInFlight {
			return nil, goerr.Wrap(ErrCircuitOpen, "probe already in flight")
		}
		b.probeInFlight = true
		return &Ticket{b: b, probe: true, generation: b.generation}, nil
	}

	return nil, goerr.New("unknown breaker state", goerr.Value("state", b.state))
}

// Permits reports, without taking a ticket, whether Allow would currently succeed
func (b *Breaker) Permits() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout
	case StateHalfOpen:
		return !b.probeInFlight
	default:
		return false
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the number of failures currently inside the window
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return len(b.failures)
}

// Success records a successful attempt sequence
func (t *Ticket) Success(ctx context.Context) {
	t.once.Do(func() { t.b.onSuccess(ctx, t) })
}

// Failure records a failed attempt sequence
func (t *Ticket) Failure(ctx context.Context) {
	t.once.Do(func() { t.b.onFailure(ctx, t) })
}

// Abandon gives the ticket back without an outcome, e.g. on caller abandonment or
// a caller-side (4xx) rejection. An abandoned probe frees the slot for the next caller.
func (t *Ticket) Abandon() {
	t.once.Do(func() { t.b.onAbandon(t) })
}

func (b *Breaker) onSuccess(ctx context.Context, t *Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.probe && b.state == StateHalfOpen && t.generation == b.generation {
		b.probeInFlight = false
		b.failures = nil
		b.transitionLocked(ctx, StateClosed, b.now())
	}
}

func (b *Breaker) onFailure(ctx context.Context, t *Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateHalfOpen:
		if t.probe && t.generation == b.generation {
			b.probeInFlight = false
			b.openedAt = now
			b.transitionLocked(ctx, StateOpen, now)
		}

	case StateClosed:
		// Only failures observed during the current CLOSED period count
		if t.generation != b.generation {
			return
		}
		b.pruneLocked(now)
		b.failures = append(b.failures, now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.failures = nil
			b.transitionLocked(ctx, StateOpen, now)
		}

	case StateOpen:
		// Late results from attempts admitted before the circuit opened are ignored
	}
}

func (b *Breaker) onAbandon(t *Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.probe && b.state == StateHalfOpen && t.generation == b.generation {
		b.probeInFlight = false
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	keep := b.failures[:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			keep = append(keep, f)
		}
	}
	b.failures = keep
}

func (b *Breaker) transitionLocked(ctx context.Context, to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++

	logging.From(ctx).Info("circuit breaker transition", "from", from.String(), "to", to.String())
	if b.sink != nil {
		b.sink.Emit(ctx, model.NewEvent(model.EventBreakerTransition, now,
			"from", from.String(), "to", to.String()))
	}
}
