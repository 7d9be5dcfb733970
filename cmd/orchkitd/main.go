// Command orchkitd runs the orchkit HTTP API as a long-lived daemon: it
// loads configuration, wires the orchestration engine's collaborators
// together, and serves requests until it receives a shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/orchkit/internal/backend"
	"github.com/tombee/orchkit/internal/backend/memory"
	"github.com/tombee/orchkit/internal/backend/sqlite"
	"github.com/tombee/orchkit/internal/config"
	"github.com/tombee/orchkit/internal/engine"
	"github.com/tombee/orchkit/internal/errreport"
	"github.com/tombee/orchkit/internal/executor"
	"github.com/tombee/orchkit/internal/httpapi"
	internallog "github.com/tombee/orchkit/internal/log"
	"github.com/tombee/orchkit/internal/metrics"
	"github.com/tombee/orchkit/internal/outputcache"
	"github.com/tombee/orchkit/internal/plugin"
	"github.com/tombee/orchkit/internal/quota"
	"github.com/tombee/orchkit/internal/statemanager"
	"github.com/tombee/orchkit/internal/tracing"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML config file")
		listenAddr  = flag.String("listen", "", "HTTP listen address, overrides config")
		backendType = flag.String("backend", "", "Storage backend (memory, sqlite), overrides config")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("orchkitd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.HTTP.ListenAddr = *listenAddr
	}
	if *backendType != "" {
		cfg.Backend.Type = *backendType
	}

	logger := internallog.New(&internallog.Config{
		Level:     cfg.Log.Level,
		Format:    internallog.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	be, err := newBackend(cfg)
	if err != nil {
		logger.Error("failed to open backend", internallog.Error(err))
		os.Exit(1)
	}
	defer be.Close()

	reporter, err := errreport.Init(errreport.Config{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		SampleRate:  cfg.Sentry.SampleRate,
	}, internallog.WithComponent(logger, "errreport"))
	if err != nil {
		logger.Error("failed to init error reporting", internallog.Error(err))
		os.Exit(1)
	}
	defer reporter.Close(0)

	tracer, err := tracing.New(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}, tracing.NewLogExporter(internallog.WithComponent(logger, "tracing")))
	if err != nil {
		logger.Error("failed to init tracing", internallog.Error(err))
		os.Exit(1)
	}
	defer tracer.Shutdown(context.Background())

	registry := plugin.NewRegistry()
	exec := executor.New(registry, executor.Config{
		CircuitBreakerMaxFailures: cfg.Executor.CircuitBreakerMaxFailures,
		CircuitBreakerResetMs:     cfg.Executor.CircuitBreakerResetMs,
	})

	opts := []statemanager.Option{
		statemanager.WithLogger(internallog.WithComponent(logger, "statemanager")),
		statemanager.WithMetricsCollector(metrics.NewCollector()),
		statemanager.WithQuota(quota.New(cfg.Quota.RatePerMinute, cfg.Quota.Burst)),
	}
	if cfg.OutputCache.Type == "redis" {
		opts = append(opts, statemanager.WithOutputCache(outputcache.New(outputcache.Config{
			Addr:     cfg.OutputCache.Redis.Addr,
			Password: cfg.OutputCache.Redis.Password,
			DB:       cfg.OutputCache.Redis.DB,
			TTL:      cfg.OutputCache.Redis.TTL,
		})))
	}
	state := statemanager.New(be, opts...)

	runner := engine.New(
		state,
		be,
		exec,
		&executor.RegistryPluginExecutor{Registry: registry},
		tracer,
		reporter,
		engine.NewRegistry(),
		internallog.WithComponent(logger, "engine"),
		engine.Config{MaxConcurrency: cfg.Parallel.MaxConcurrency},
	)

	server := httpapi.New(httpapi.Config{
		ListenAddr:   cfg.HTTP.ListenAddr,
		JWT:          httpapi.JWTConfig{Secret: []byte(cfg.HTTP.JWTSigningKey)},
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, runner, be, internallog.WithComponent(logger, "httpapi"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.WriteTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", internallog.Error(err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("http api error", internallog.Error(err))
			os.Exit(1)
		}
	}
}

func newBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend.Type {
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.Backend.SQLite.Path, WAL: cfg.Backend.SQLite.WAL})
	default:
		return memory.New(), nil
	}
}
