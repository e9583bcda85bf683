package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/service/mcp"
	"github.com/m-mizutani/simgen/pkg/utils/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
)

const (
	maintenanceInterval = 10 * time.Minute
	purgeInterval       = time.Hour
	flushInterval       = 10 * time.Second
	shutdownTimeout     = 30 * time.Second
)

func serveCommand() *cli.Command {
	var cfg config
	var addr string
	var stdio bool

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address of the HTTP server",
			Value:       ":8080",
			Sources:     cli.EnvVars("SIMGEN_ADDR"),
			Destination: &addr,
		},
		&cli.BoolFlag{
			Name:        "stdio",
			Usage:       "Serve MCP over stdio instead of HTTP",
			Destination: &stdio,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, coreFlags(&cfg)...)
	flags = append(flags, eventFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the generation server",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.configureLogger(ctx)
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			x, err := cfg.newCore(ctx, reg)
			if err != nil {
				return err
			}
			defer x.Close()

			server, err := mcp.NewServer(x.usecase)
			if err != nil {
				return err
			}

			if err := x.jobs.Start(ctx); err != nil {
				return goerr.Wrap(err, "failed to start job workers")
			}
			defer func() {
				if err := x.jobs.Stop(shutdownTimeout); err != nil {
					logging.From(ctx).Warn("job workers did not stop cleanly", "error", err)
				}
			}()

			go x.jobs.RunMaintenance(ctx, maintenanceInterval)
			go runPurge(ctx, x, purgeInterval)
			if x.batcher != nil {
				flushCtx, cancelFlush := context.WithCancel(ctx)
				done := make(chan struct{})
				go func() {
					defer close(done)
					x.batcher.Run(flushCtx, flushInterval)
				}()
				defer func() {
					cancelFlush()
					<-done
				}()
			}

			if stdio {
				logging.From(ctx).Info("serving MCP over stdio")
				return server.Run(ctx)
			}

			mux := http.NewServeMux()
			mux.Handle("/mcp", server.Handler())
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			mux.HandleFunc("/healthz", healthHandler(x))

			return listen(ctx, addr, mux)
		},
	}
}

func listen(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.From(ctx).Warn("http server shutdown failed", "error", err)
		}
	}()

	logging.From(ctx).Info("simgen server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return goerr.Wrap(err, "http server failed", goerr.Value("addr", addr))
	}
	logging.From(ctx).Info("simgen server shutting down")
	return nil
}

func runPurge(ctx context.Context, x *core, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := x.cache.Purge(ctx); n > 0 {
				logging.From(ctx).Info("expired cache entries purged", "count", n)
			}
		}
	}
}

type health struct {
	Breaker  string `json:"breaker"`
	Failures int    `json:"failures"`
	Cache    any    `json:"cache"`
	Jobs     any    `json:"jobs"`
}

func healthHandler(x *core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := health{
			Breaker:  x.breaker.State().String(),
			Failures: x.breaker.Failures(),
			Cache:    x.cache.Stats(),
			Jobs:     x.jobs.Stats(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logging.From(r.Context()).Warn("failed to write health response", "error", err)
		}
	}
}
