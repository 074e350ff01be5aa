package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/reviewhound/reviewhound/internal/api"
	"github.com/reviewhound/reviewhound/internal/api/debug"
	apprev "github.com/reviewhound/reviewhound/internal/app/review"
	"github.com/reviewhound/reviewhound/internal/config"
	"github.com/reviewhound/reviewhound/internal/domain/review"
	"github.com/reviewhound/reviewhound/internal/infra/analyzer"
	"github.com/reviewhound/reviewhound/internal/infra/github"
	"github.com/reviewhound/reviewhound/internal/infra/progress"
	memorystore "github.com/reviewhound/reviewhound/internal/infra/storage/task/memory"
	redisstore "github.com/reviewhound/reviewhound/internal/infra/storage/task/redis"
	"github.com/reviewhound/reviewhound/pkg/common/logger"
	"github.com/reviewhound/reviewhound/pkg/common/otel"
)

const serviceType = "review-api"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("failed to load configuration: %v", err)
	}

	svcName := fmt.Sprintf("REVIEW-API-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, cfg.Level(), svcName, traceIDFn, logEvents, metadata)

	ctx := context.Background()

	if err := run(ctx, log, cfg, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, hostname string) error {
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	// -------------------------------------------------------------------------
	// Start Tracing Support

	var tracer trace.Tracer
	if cfg.Telemetry.Enabled {
		log.Info(ctx, "startup", "status", "initializing tracing support")

		traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      cfg.Telemetry.ServiceName,
			ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
			ExcludedRoutes: map[string]struct{}{
				"/v1/readiness": {},
				"/v1/health":    {},
				"/debug":        {},
			},
			Probability: cfg.Telemetry.Probability,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"container.id":     hostname,
			},
			InsecureExporter: true,
		})
		if err != nil {
			return fmt.Errorf("starting tracing: %w", err)
		}
		defer teardown(ctx)

		tracer = traceProvider.Tracer(cfg.Telemetry.ServiceName)
	} else {
		tracer = noop.NewTracerProvider().Tracer(cfg.Telemetry.ServiceName)
	}

	// -------------------------------------------------------------------------
	// Task Store

	var store review.TaskRepository
	var cache review.ResultCache

	switch cfg.Store.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr, DB: cfg.Store.RedisDB})
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", cfg.Store.RedisAddr, err)
		}

		redisStore := redisstore.NewTaskStore(client, cfg.Store.TaskTTL, tracer)
		store = redisStore
		if cfg.Pipeline.ResultCacheEnabled {
			cache = redisStore
		}
		log.Info(ctx, "startup", "status", "task store initialized", "backend", "redis", "addr", cfg.Store.RedisAddr)

	case "memory":
		store = memorystore.NewTaskStore()
		log.Info(ctx, "startup", "status", "task store initialized", "backend", "memory")

	default:
		return fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}

	// -------------------------------------------------------------------------
	// Review Pipeline

	fetcher := github.NewClient(nil, log, tracer, github.WithBaseURL(cfg.GitHub.BaseURL))
	fileAnalyzer := analyzer.NewClient(analyzer.Config{
		BaseURL: cfg.Analyzer.BaseURL,
		APIKey:  cfg.Analyzer.APIKey,
		Model:   cfg.Analyzer.Model,
	}, nil, log, tracer)
	reporter := progress.New(store, tracer)

	executor := apprev.NewExecutor(apprev.ExecutorConfig{
		MaxFileRetries:       cfg.Pipeline.MaxFileRetries,
		RetryInitialInterval: cfg.Pipeline.RetryInitialInterval,
	}, store, fetcher, fileAnalyzer, reporter, cache, log, tracer)

	dispatcher := apprev.NewDispatcher(apprev.DispatcherConfig{
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
	}, executor, log, tracer)

	reaper := apprev.NewReaper(apprev.ReaperConfig{
		Interval:           cfg.Reaper.Interval,
		StalenessThreshold: cfg.Reaper.StalenessThreshold,
		IncludePending:     cfg.Reaper.IncludePending,
	}, store, log, tracer)

	svc := apprev.NewTaskService(store, dispatcher, reaper, cache, log, tracer)

	runCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	go dispatcher.Run(runCtx)
	go reaper.Run(runCtx)

	// -------------------------------------------------------------------------
	// Start Debug Service

	go func() {
		log.Info(ctx, "startup", "status", "debug router started", "host", cfg.Web.DebugHost)

		if err := http.ListenAndServe(cfg.Web.DebugHost, debug.Mux()); err != nil {
			log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.Web.DebugHost, "msg", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Start API Service

	log.Info(ctx, "startup", "status", "initializing API support")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	metrics, err := api.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	server := api.NewServer(cfg, svc, metrics, log, tracer)

	serverErrors := make(chan error, 1)
	serverCtx, cancelServer := context.WithCancel(ctx)
	defer cancelServer()

	go func() {
		serverErrors <- server.Start(serverCtx)
	}()

	// -------------------------------------------------------------------------
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		defer log.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig)

		cancelServer()

		select {
		case err := <-serverErrors:
			if err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		case <-time.After(cfg.Web.ShutdownTimeout + time.Second):
			return fmt.Errorf("server shutdown timed out")
		}

		cancelWorkers()
	}

	return nil
}
