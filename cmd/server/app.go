package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"process-dispatcher/backend/internal/api"
	"process-dispatcher/backend/internal/config"
	"process-dispatcher/backend/internal/dispatcher"
	"process-dispatcher/backend/internal/invoker"
	"process-dispatcher/backend/internal/lifecycle"
	"process-dispatcher/backend/internal/logging"
	"process-dispatcher/backend/internal/manifest"
	"process-dispatcher/backend/internal/mcp"
	"process-dispatcher/backend/internal/metrics"
	"process-dispatcher/backend/internal/repository"
	"process-dispatcher/backend/internal/strategy"
	"process-dispatcher/backend/internal/telemetry"
	"process-dispatcher/backend/internal/tls"
)

// app is the wired server.
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	telemetry  *telemetry.Telemetry
	repo       repository.Repository
	store      *manifest.Store
	watcher    *manifest.Watcher
	dispatcher *dispatcher.Dispatcher
	lifecycle  *lifecycle.Manager
	echo       *echo.Echo
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.telemetry, err = telemetry.Init(ctx, cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	instruments, err := telemetry.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if a.repo, err = repository.Open(ctx, cfg.DB, logger.With("component", "repository")); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if a.repo != nil {
		logger.Info("database connected", "driver", cfg.DB.Driver)
	}

	strategies := strategy.DefaultRegistry()
	validator, err := manifest.NewValidator(cfg.Manifests.OwnerPattern, strategies)
	if err != nil {
		return nil, err
	}
	if cfg.MetricsSource.Kind != "http" {
		validator.WithMetricChecker(metrics.CheckMetric)
	}
	source, err := a.manifestSource()
	if err != nil {
		return nil, err
	}
	a.store = manifest.NewStore(source, validator, logger.With("component", "manifests"))
	report, err := a.store.Reload(ctx)
	if err != nil {
		return nil, fmt.Errorf("load manifests: %w", err)
	}
	logger.Info("manifests loaded", "source", cfg.Manifests.Source, "count", len(a.store.List()), "rejected", len(report.Rejected))

	if cfg.Manifests.Source == "file" && cfg.Manifests.Watch {
		if a.watcher, err = manifest.NewWatcher(cfg.Manifests.Dir, a.store, logger.With("component", "watcher"), 0); err != nil {
			return nil, fmt.Errorf("watch %s: %w", cfg.Manifests.Dir, err)
		}
	}

	local := builtins()
	mux := invoker.NewMux(invoker.NewHTTPInvoker(cfg.Invoker.BaseURL, nil, cfg.Invoker.Timeout))
	mux.Handle("local", local)
	logger.Info("local implementations registered", "names", local.Names())

	opts := dispatcher.Options{
		DefaultTimeout: cfg.Dispatcher.DefaultTimeout,
		Metrics:        instruments,
		Logger:         logger.With("component", "dispatcher"),
	}
	if a.repo != nil && cfg.Dispatcher.RecordOutcomes {
		opts.Recorder = a.repo
	}
	a.dispatcher = dispatcher.New(a.store, strategy.NewSelector(strategies), mux, opts)

	if cfg.Lifecycle.Enabled {
		if src := a.metricsSource(); src != nil {
			a.lifecycle = lifecycle.NewManager(a.store, src, lifecycle.Options{
				Interval:    cfg.Lifecycle.Interval,
				Concurrency: cfg.Lifecycle.Concurrency,
				Metrics:     instruments,
				Logger:      logger.With("component", "lifecycle"),
			})
		}
	}

	a.echo = a.router()
	return a, nil
}

func (a *app) manifestSource() (manifest.Source, error) {
	switch a.cfg.Manifests.Source {
	case "db":
		if a.repo == nil {
			return nil, errors.New("manifests.source=db needs a database")
		}
		return a.repo, nil
	default:
		return manifest.NewFileSource(a.cfg.Manifests.Dir), nil
	}
}

// metricsSource returns nil when experiments cannot be evaluated.
func (a *app) metricsSource() metrics.Source {
	ms := a.cfg.MetricsSource
	if ms.Kind == "http" {
		return metrics.NewHTTPSource(ms.URL, nil, 10*time.Second)
	}
	if a.repo == nil || !a.cfg.Dispatcher.RecordOutcomes {
		a.logger.Warn("experiment lifecycle disabled: the outcomes metrics source needs a database recording outcomes")
		return nil
	}
	return metrics.NewOutcomeEvaluator(a.repo, ms.MinSamples, a.logger.With("component", "metrics"))
}

func (a *app) router() *echo.Echo {
	opts := api.Options{
		Dispatcher: a.dispatcher,
		Store:      a.store,
		Metrics:    a.telemetry.MetricsHandler(),
		Logger:     a.logger.With("component", "api"),
	}
	if a.lifecycle != nil {
		opts.Lifecycle = a.lifecycle
	}
	if a.repo != nil {
		opts.History = a.repo
		opts.Checks = map[string]api.HealthChecker{"database": a.repo}
	}
	e := api.NewRouter(api.NewServer(opts), a.cfg.Telemetry.ServiceName)

	mcpHandler := echo.WrapHandler(mcp.NewServer(a.dispatcher, a.store, api.Version).Handler())
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)
	return e
}

// run serves until ctx is cancelled or the listener fails.
func (a *app) run(ctx context.Context) error {
	server := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      a.echo,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: a.cfg.Dispatcher.DefaultTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.watcher != nil {
		g.Go(func() error {
			a.watcher.Run(gctx)
			return nil
		})
	}
	if a.lifecycle != nil {
		g.Go(func() error {
			a.lifecycle.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.logger.Info("server starting", "address", server.Addr, "tls", a.cfg.TLS.Enable)
		var err error
		if a.cfg.TLS.Enable {
			err = a.serveTLS(server)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", "error", err)
			return server.Close()
		}
		a.logger.Info("server stopped gracefully")
		return nil
	})
	return g.Wait()
}

func (a *app) serveTLS(server *http.Server) error {
	t := a.cfg.TLS
	created, err := tls.EnsureCert(t.CertFile, t.KeyFile, t.Hostnames)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if created {
		a.logger.Warn("generated a self-signed certificate", "cert_file", t.CertFile)
	}
	return server.ListenAndServeTLS(t.CertFile, t.KeyFile)
}

func (a *app) close(ctx context.Context) {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.repo != nil {
		a.repo.Close()
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
	}
}

// builtins are the in-process implementations reachable as "local:<name>".
func builtins() *invoker.Registry {
	r := invoker.NewRegistry()
	r.Register("echo", func(_ context.Context, inv invoker.Invocation) (interface{}, error) {
		return map[string]interface{}{
			"process":   inv.ProcessName,
			"variant":   inv.VariantID,
			"arguments": inv.Arguments,
		}, nil
	})
	return r
}
