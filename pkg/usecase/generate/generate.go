// Package generate is the request orchestrator. It decides, per request, between a
// cached manifest, a featured fallback, a synchronous generation and an async job.
package generate

import (
	"context"
	"time"

	"github.com/m-mizutani/simgen/pkg/interfaces"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/service/cost"
	"github.com/m-mizutani/simgen/pkg/service/featured"
	"github.com/m-mizutani/simgen/pkg/service/generation"
	"github.com/m-mizutani/simgen/pkg/service/jobs"
	"github.com/m-mizutani/simgen/pkg/service/simcache"
)

const (
	// TextBudget is the synchronous latency budget for text requests
	TextBudget = 5 * time.Second
	// ImageBudget is the synchronous latency budget for image requests
	ImageBudget = 8 * time.Second

	fallbackMessage = "The simulation generator is busy right now. Meanwhile, here are some ready-made simulations you can explore."
	defaultQuestion = "Could you describe which objects are in the scene and how they move?"
)

// UseCase provides the submit and job operations
type UseCase struct {
	embedder  interfaces.Embedder
	cache     *simcache.Cache
	pipeline  *generation.Pipeline
	jobs      *jobs.Orchestrator
	catalog   *featured.Catalog
	estimator interfaces.CostEstimator
	sink      interfaces.EventSink
	now       func() time.Time

	costThreshold float64
	textBudget    time.Duration
	imageBudget   time.Duration
	fallbackK     int
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithCostEstimator replaces the built-in cost heuristic
func WithCostEstimator(e interfaces.CostEstimator) Option {
	return func(uc *UseCase) {
		uc.estimator = e
	}
}

// WithCostThreshold sets the estimated cost above which requests go async
func WithCostThreshold(v float64) Option {
	return func(uc *UseCase) {
		uc.costThreshold = v
	}
}

// WithBudgets sets the synchronous latency budgets
func WithBudgets(text, image time.Duration) Option {
	return func(uc *UseCase) {
		uc.textBudget = text
		uc.imageBudget = image
	}
}

func WithEventSink(sink interfaces.EventSink) Option {
	return func(uc *UseCase) {
		uc.sink = sink
	}
}

func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

// New creates a new generate UseCase instance
func New(
	embedder interfaces.Embedder,
	cache *simcache.Cache,
	pipeline *generation.Pipeline,
	orchestrator *jobs.Orchestrator,
	catalog *featured.Catalog,
	opts ...Option,
) *UseCase {
	uc := &UseCase{
		embedder:      embedder,
		cache:         cache,
		pipeline:      pipeline,
		jobs:          orchestrator,
		catalog:       catalog,
		estimator:     cost.Heuristic{},
		now:           time.Now,
		costThreshold: cost.DefaultThreshold,
		textBudget:    TextBudget,
		imageBudget:   ImageBudget,
		fallbackK:     featured.DefaultK,
	}

	for _, opt := range opts {
		opt(uc)
	}

	return uc
}

func (uc *UseCase) emit(ctx context.Context, typ model.EventType, kv ...any) {
	if uc.sink != nil {
		uc.sink.Emit(ctx, model.NewEvent(typ, uc.now(), kv...))
	}
}
