package cli

import (
	"context"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/adapter"
	"github.com/m-mizutani/simgen/pkg/interfaces"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/repository"
	"github.com/m-mizutani/simgen/pkg/service/breaker"
	"github.com/m-mizutani/simgen/pkg/service/cost"
	"github.com/m-mizutani/simgen/pkg/service/event"
	"github.com/m-mizutani/simgen/pkg/service/featured"
	"github.com/m-mizutani/simgen/pkg/service/generation"
	"github.com/m-mizutani/simgen/pkg/service/jobs"
	"github.com/m-mizutani/simgen/pkg/service/mcp"
	"github.com/m-mizutani/simgen/pkg/service/retry"
	"github.com/m-mizutani/simgen/pkg/service/simcache"
	"github.com/m-mizutani/simgen/pkg/service/validator"
	"github.com/m-mizutani/simgen/pkg/usecase/generate"
	"github.com/m-mizutani/simgen/pkg/utils/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Repository
	project  string
	database string

	// Adapters
	geminiProject       string
	geminiLocation      string
	generativeModel     string
	embeddingModel      string
	embeddingDimensions int64
	rateLimit           float64
	assetBucket         string
	bigqueryProject     string
	bigqueryDataset     string
	bigqueryTable       string

	// Core
	cacheThreshold      float64
	cacheCapacity       int64
	cacheTTL            time.Duration
	breakerFailures     int64
	breakerWindow       time.Duration
	breakerOpenTimeout  time.Duration
	maxRetries          int64
	attemptTimeout      time.Duration
	confidenceThreshold float64
	costThreshold       float64
	costPolicyDir       string
	featuredCatalog     string
	workers             int64
	queueSize           int64

	// Client
	server string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("SIMGEN_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       string(logging.FormatConsole),
			Sources:     cli.EnvVars("SIMGEN_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
	}
}

// storeFlags returns flags of the job store
func storeFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID of the Firestore job store. Jobs are kept in memory when empty",
			Sources:     cli.EnvVars("SIMGEN_PROJECT", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("SIMGEN_FIRESTORE_DATABASE_ID", "FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("SIMGEN_GEMINI_PROJECT", "GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("SIMGEN_GEMINI_LOCATION", "GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "generative-model",
			Usage:       "Gemini model generating manifests",
			Value:       "gemini-2.5-flash",
			Sources:     cli.EnvVars("SIMGEN_GENERATIVE_MODEL"),
			Destination: &cfg.generativeModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Gemini model embedding requests",
			Value:       "gemini-embedding-001",
			Sources:     cli.EnvVars("SIMGEN_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dimensions",
			Usage:       "Length of request embeddings",
			Value:       model.DefaultEmbeddingDimensions,
			Sources:     cli.EnvVars("SIMGEN_EMBEDDING_DIMENSIONS"),
			Destination: &cfg.embeddingDimensions,
		},
		&cli.FloatFlag{
			Name:        "rate-limit",
			Usage:       "Maximum Gemini calls per second, 0 for no limit",
			Value:       10,
			Sources:     cli.EnvVars("SIMGEN_RATE_LIMIT"),
			Destination: &cfg.rateLimit,
		},
	}
}

// coreFlags returns flags tuning the orchestration core
func coreFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.FloatFlag{
			Name:        "cache-threshold",
			Usage:       "Cosine similarity above which a cached manifest is reused",
			Value:       simcache.DefaultConfig().Threshold,
			Sources:     cli.EnvVars("SIMGEN_CACHE_THRESHOLD"),
			Destination: &cfg.cacheThreshold,
		},
		&cli.IntFlag{
			Name:        "cache-capacity",
			Usage:       "Maximum number of cached manifests",
			Value:       int64(simcache.DefaultConfig().Capacity),
			Sources:     cli.EnvVars("SIMGEN_CACHE_CAPACITY"),
			Destination: &cfg.cacheCapacity,
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Usage:       "Lifetime of cached manifests",
			Value:       model.CacheTTL,
			Sources:     cli.EnvVars("SIMGEN_CACHE_TTL"),
			Destination: &cfg.cacheTTL,
		},
		&cli.IntFlag{
			Name:        "breaker-failures",
			Usage:       "Failures within the window that open the circuit",
			Value:       int64(breaker.DefaultConfig().FailureThreshold),
			Sources:     cli.EnvVars("SIMGEN_BREAKER_FAILURES"),
			Destination: &cfg.breakerFailures,
		},
		&cli.DurationFlag{
			Name:        "breaker-window",
			Usage:       "Sliding window for counting failures",
			Value:       breaker.DefaultConfig().Window,
			Sources:     cli.EnvVars("SIMGEN_BREAKER_WINDOW"),
			Destination: &cfg.breakerWindow,
		},
		&cli.DurationFlag{
			Name:        "breaker-open-timeout",
			Usage:       "Time the circuit stays open before a probe",
			Value:       breaker.DefaultConfig().OpenTimeout,
			Sources:     cli.EnvVars("SIMGEN_BREAKER_OPEN_TIMEOUT"),
			Destination: &cfg.breakerOpenTimeout,
		},
		&cli.IntFlag{
			Name:        "max-retries",
			Usage:       "Retries of a transient upstream failure",
			Value:       int64(retry.DefaultConfig().MaxRetries),
			Sources:     cli.EnvVars("SIMGEN_MAX_RETRIES"),
			Destination: &cfg.maxRetries,
		},
		&cli.DurationFlag{
			Name:        "attempt-timeout",
			Usage:       "Hard timeout of one upstream call",
			Value:       retry.DefaultConfig().AttemptTimeout,
			Sources:     cli.EnvVars("SIMGEN_ATTEMPT_TIMEOUT"),
			Destination: &cfg.attemptTimeout,
		},
		&cli.FloatFlag{
			Name:        "confidence-threshold",
			Usage:       "Image interpretation confidence below which the user is asked to clarify",
			Value:       generation.DefaultConfidenceThreshold,
			Sources:     cli.EnvVars("SIMGEN_CONFIDENCE_THRESHOLD"),
			Destination: &cfg.confidenceThreshold,
		},
		&cli.FloatFlag{
			Name:        "cost-threshold",
			Usage:       "Estimated cost above which a request runs as a job",
			Value:       cost.DefaultThreshold,
			Sources:     cli.EnvVars("SIMGEN_COST_THRESHOLD"),
			Destination: &cfg.costThreshold,
		},
		&cli.StringFlag{
			Name:        "cost-policy-dir",
			Usage:       "Directory of Rego files defining data.cost.estimate",
			Sources:     cli.EnvVars("SIMGEN_COST_POLICY_DIR"),
			Destination: &cfg.costPolicyDir,
		},
		&cli.StringFlag{
			Name:        "featured-catalog",
			Usage:       "YAML file of featured simulations, the bundled catalog when empty",
			Sources:     cli.EnvVars("SIMGEN_FEATURED_CATALOG"),
			Destination: &cfg.featuredCatalog,
		},
		&cli.StringFlag{
			Name:        "asset-bucket",
			Usage:       "Cloud Storage bucket holding manifest assets",
			Sources:     cli.EnvVars("SIMGEN_ASSET_BUCKET"),
			Destination: &cfg.assetBucket,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "Number of job workers",
			Value:       int64(jobs.DefaultConfig().Workers),
			Sources:     cli.EnvVars("SIMGEN_WORKERS"),
			Destination: &cfg.workers,
		},
		&cli.IntFlag{
			Name:        "queue-size",
			Usage:       "Capacity of the job queue",
			Value:       int64(jobs.DefaultConfig().QueueSize),
			Sources:     cli.EnvVars("SIMGEN_QUEUE_SIZE"),
			Destination: &cfg.queueSize,
		},
	}
}

// eventFlags returns flags of the BigQuery event table
func eventFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "bigquery-project",
			Usage:       "Google Cloud project ID of the event table, defaults to --project",
			Sources:     cli.EnvVars("SIMGEN_BIGQUERY_PROJECT"),
			Destination: &cfg.bigqueryProject,
		},
		&cli.StringFlag{
			Name:        "bigquery-dataset",
			Usage:       "BigQuery dataset receiving events. Events are only logged when empty",
			Sources:     cli.EnvVars("SIMGEN_BIGQUERY_DATASET"),
			Destination: &cfg.bigqueryDataset,
		},
		&cli.StringFlag{
			Name:        "bigquery-table",
			Usage:       "BigQuery table receiving events",
			Value:       "events",
			Sources:     cli.EnvVars("SIMGEN_BIGQUERY_TABLE"),
			Destination: &cfg.bigqueryTable,
		},
	}
}

// clientFlags returns flags of commands talking to a running server
func clientFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "server",
			Aliases:     []string{"s"},
			Usage:       "MCP endpoint of the simgen server",
			Value:       "http://localhost:8080/mcp",
			Sources:     cli.EnvVars("SIMGEN_SERVER"),
			Destination: &cfg.server,
		},
	}
}

// configureLogger installs the logger selected by flags and attaches it to ctx
func (cfg *config) configureLogger(ctx context.Context) context.Context {
	logger := logging.NewWithFormat(cfg.logLevel, logging.Format(cfg.logFormat), os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// store is a job repository that also delivers notifications
type store interface {
	interfaces.JobRepository
	interfaces.Notifier
}

// newRepository creates the job store
func (cfg *config) newRepository(ctx context.Context) (store, func() error, error) {
	if cfg.project == "" {
		logging.From(ctx).Warn("no project configured, jobs are kept in memory and lost on restart")
		return repository.NewMemory(), func() error { return nil }, nil
	}
	if cfg.database == "" {
		return nil, nil, goerr.New("database is required")
	}

	repo, err := repository.New(cfg.project, cfg.database)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to create repository")
	}
	return repo, repo.Close, nil
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (*adapter.GeminiClient, error) {
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}
	return adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation,
		adapter.WithGenerativeModel(cfg.generativeModel),
		adapter.WithEmbeddingModel(cfg.embeddingModel),
		adapter.WithEmbeddingDimensions(int(cfg.embeddingDimensions)),
		adapter.WithRateLimit(cfg.rateLimit, int(max(cfg.rateLimit, 1))),
	)
}

// newValidator creates the manifest validator, checking assets in the bucket if configured
func (cfg *config) newValidator(ctx context.Context, sink interfaces.EventSink) (*validator.Validator, error) {
	opts := []validator.Option{validator.WithEventSink(sink)}
	if cfg.assetBucket != "" {
		assets, err := adapter.NewAssetStore(ctx, cfg.assetBucket)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create asset store")
		}
		opts = append(opts, validator.WithAssetLookup(assets))
	}
	return validator.New(opts...), nil
}

// newEventSinks builds the event fan-out. The returned batcher is nil unless a
// BigQuery dataset is configured.
func (cfg *config) newEventSinks(ctx context.Context, reg prometheus.Registerer) (event.Multi, *event.Batcher, func() error, error) {
	sinks := event.Multi{event.Logger{}}
	closer := func() error { return nil }

	if reg != nil {
		prom, err := event.NewPrometheus(reg)
		if err != nil {
			return nil, nil, nil, err
		}
		sinks = append(sinks, prom)
	}

	if cfg.bigqueryDataset == "" {
		return sinks, nil, closer, nil
	}

	project := cfg.bigqueryProject
	if project == "" {
		project = cfg.project
	}
	if project == "" {
		return nil, nil, nil, goerr.New("bigquery-project or project is required for the event table")
	}

	table, err := adapter.NewEventTable(ctx, project, cfg.bigqueryDataset, cfg.bigqueryTable)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := table.EnsureTable(ctx); err != nil {
		_ = table.Close()
		return nil, nil, nil, err
	}

	batcher := event.NewBatcher(table, 500)
	sinks = append(sinks, batcher)
	return sinks, batcher, table.Close, nil
}

// newCostEstimator returns the Rego policy when one is configured, the heuristic otherwise
func (cfg *config) newCostEstimator(ctx context.Context) (interfaces.CostEstimator, error) {
	if cfg.costPolicyDir == "" {
		return cost.Heuristic{}, nil
	}
	policy, err := cost.NewPolicy(ctx, cfg.costPolicyDir)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		logging.From(ctx).Warn("no cost policy found, using heuristic", "dir", cfg.costPolicyDir)
		return cost.Heuristic{}, nil
	}
	return policy, nil
}

// newCatalog loads the featured simulations
func (cfg *config) newCatalog() (*featured.Catalog, error) {
	if cfg.featuredCatalog == "" {
		return featured.Default()
	}
	return featured.Load(cfg.featuredCatalog)
}

// core is the assembled orchestration core served by the serve command
type core struct {
	usecase *generate.UseCase
	jobs    *jobs.Orchestrator
	cache   *simcache.Cache
	breaker *breaker.Breaker
	batcher *event.Batcher
	closers []func() error
}

func (x *core) Close() {
	for i := len(x.closers) - 1; i >= 0; i-- {
		if err := x.closers[i](); err != nil {
			logging.Default().Warn("failed to close resource", "error", err)
		}
	}
}

// newCore wires every component of the orchestration core
func (cfg *config) newCore(ctx context.Context, reg prometheus.Registerer) (*core, error) {
	x := &core{}
	success := false
	defer func() {
		if !success {
			x.Close()
		}
	}()

	sinks, batcher, closeEvents, err := cfg.newEventSinks(ctx, reg)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to set up event sinks")
	}
	x.batcher = batcher
	x.closers = append(x.closers, closeEvents)

	repo, closeRepo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, err
	}
	x.closers = append(x.closers, closeRepo)

	gemini, err := cfg.newGemini(ctx)
	if err != nil {
		return nil, err
	}

	v, err := cfg.newValidator(ctx, sinks)
	if err != nil {
		return nil, err
	}

	estimator, err := cfg.newCostEstimator(ctx)
	if err != nil {
		return nil, err
	}

	x.breaker = breaker.New(breaker.Config{
		FailureThreshold: int(cfg.breakerFailures),
		Window:           cfg.breakerWindow,
		OpenTimeout:      cfg.breakerOpenTimeout,
	}, breaker.WithEventSink(sinks))

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = int(cfg.maxRetries)
	retryCfg.AttemptTimeout = cfg.attemptTimeout
	executor := retry.New(retryCfg, retry.WithEventSink(sinks))

	pipeline := generation.New(gemini, x.breaker, executor, v,
		generation.WithConfidenceThreshold(cfg.confidenceThreshold),
		generation.WithEventSink(sinks),
	)

	x.cache = simcache.New(simcache.Config{
		Threshold: cfg.cacheThreshold,
		TTL:       cfg.cacheTTL,
		Capacity:  int(cfg.cacheCapacity),
	}, simcache.WithEventSink(sinks))

	catalog, err := cfg.newCatalog()
	if err != nil {
		return nil, err
	}
	if err := catalog.Prepare(ctx, v, gemini); err != nil {
		return nil, goerr.Wrap(err, "failed to prepare featured catalog")
	}
	if err := x.cache.Seed(ctx, catalog.All()); err != nil {
		return nil, goerr.Wrap(err, "failed to seed cache")
	}

	jobOpts := []jobs.Option{
		jobs.WithCache(gemini, x.cache),
		jobs.WithNotifier(repo),
		jobs.WithEventSink(sinks),
	}
	if reg != nil {
		jobOpts = append(jobOpts, jobs.WithPoolOptions(jobs.WithPoolMetrics[model.JobID](reg, "simgen_jobs")))
	}
	jobCfg := jobs.DefaultConfig()
	jobCfg.Workers = int(cfg.workers)
	jobCfg.QueueSize = int(cfg.queueSize)
	x.jobs = jobs.New(jobCfg, repo, pipeline, jobOpts...)

	x.usecase = generate.New(gemini, x.cache, pipeline, x.jobs, catalog,
		generate.WithCostEstimator(estimator),
		generate.WithCostThreshold(cfg.costThreshold),
		generate.WithEventSink(sinks),
	)

	success = true
	return x, nil
}

// newClient connects to a running simgen server
func (cfg *config) newClient(ctx context.Context) (*mcp.Client, error) {
	if cfg.server == "" {
		return nil, goerr.New("server is required")
	}
	client, err := mcp.Connect(ctx, mcp.ClientConfig{
		Transport: "http",
		URL:       cfg.server,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect to simgen server", goerr.Value("server", cfg.server))
	}
	return client, nil
}
