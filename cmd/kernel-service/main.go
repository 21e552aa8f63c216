// kernel-service is the HTTP API server of the job orchestration kernel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"qkernel/internal/api"
	"qkernel/internal/config"
	"qkernel/internal/dispatcher"
	"qkernel/internal/fabric"
	"qkernel/internal/feed"
	"qkernel/internal/health"
	"qkernel/internal/isolation"
	"qkernel/internal/job"
	"qkernel/internal/observability"
	"qkernel/internal/peer"
	"qkernel/internal/peer/docker"
	"qkernel/internal/resource"
	"qkernel/internal/scheduler"
	"qkernel/pkg/circuitbreaker"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// executor is what the service needs from an execution backend.
type executor interface {
	peer.Executor
	isolation.Enforcer
	health.Pinger
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	fabricCfg := fabric.LoadConfigFromEnv()
	schedCfg := scheduler.LoadConfigFromEnv()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	natsCfg := feed.LoadNATSConfigFromEnv()

	devices, err := resource.LoadInventory(svcCfg.DevicesFile)
	if err != nil {
		return err
	}
	tracker, err := resource.NewTracker(devices...)
	if err != nil {
		return err
	}
	slog.Info("Loaded device inventory", "file", svcCfg.DevicesFile, "devices", len(devices))

	// Setup metrics and tracing
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "qkernel",
		ServiceVersion: svcCfg.ServiceVersion,
		Endpoint:       svcCfg.OTLPEndpoint,
		SampleRatio:    svcCfg.TraceSampleRatio,
	})
	if err != nil {
		return err
	}

	// Artifact fabric
	store, closeStore, err := fabric.Open(ctx, fabricCfg)
	if err != nil {
		return err
	}
	defer closeStore()
	coordinator := fabric.NewCoordinator(store, fabricCfg.Coordinator, metrics)
	slog.Info("Artifact fabric ready", "backend", fabricCfg.Backend)

	// Peers
	compiler, err := peer.NewHTTPCompiler(peer.LoadClientConfigFromEnv("COMPILER"))
	if err != nil {
		return fmt.Errorf("compiler: %w", err)
	}
	exec, closeExec, err := newExecutor(ctx, svcCfg.ExecutorBackend)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	defer closeExec()

	// Status feed with callback and NATS sinks
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)
	sinks := []feed.Sink{dispatcher.NewCallbackSink(eventDispatcher, dispatcherCfg.Source)}
	healthDeps := []health.Dependency{}
	var natsSink *feed.NATSSink
	if natsCfg.URL != "" {
		natsSink, err = feed.NewNATSSink(natsCfg)
		if err != nil {
			return err
		}
		sinks = append(sinks, natsSink)
		healthDeps = append(healthDeps, health.Dependency{Name: "nats", Check: natsSink.Ping, Optional: true})
		slog.Info("Publishing status events to NATS", "url", natsCfg.URL, "prefix", natsCfg.SubjectPrefix)
	}
	statusFeed := feed.New(feed.Config{}, metrics, sinks...)

	// Scheduler
	registry := job.NewRegistry(tracker, job.WithObserver(statusFeed.Observe))
	var sched *scheduler.Scheduler
	isolationMgr := isolation.NewManager(tracker, exec, isolation.WithNeighbourHook(func(a resource.Allocation) {
		sched.NeighbourChanged(a)
	}))
	sched = scheduler.New(schedCfg, scheduler.Deps{
		Registry:  registry,
		Allocator: resource.NewAllocator(tracker),
		Isolation: isolationMgr,
		Fabric:    coordinator,
		Compiler:  compiler,
		Executor:  exec,
		Metrics:   metrics,
		OnSweep: func(ids []string) {
			statusFeed.Forget(ids...)
			eventDispatcher.Forget(ids...)
		},
	})
	sched.Start()

	// Create health checker
	healthChecker := health.NewChecker(append(healthDeps,
		health.Dependency{Name: "scheduler", Check: func(context.Context) error { return sched.Ready() }},
		health.Ping("compiler", compiler),
		health.Ping("executor", exec),
		health.Ping("fabric", coordinator),
	)...)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Scheduler:     sched,
		Feed:          statusFeed,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server. No write timeout: event streams stay open until
	// the job ends.
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting API server", "port", svcCfg.Port)
		return serve(apiServer)
	})
	g.Go(func() error {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		return serve(metricsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown requested", "cause", context.Cause(gctx))

		// Phase 1: Mark service as unhealthy for load balancer draining
		healthChecker.SetShuttingDown()
		if ctx.Err() != nil && svcCfg.ShutdownDrainWait > 0 {
			slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
			time.Sleep(svcCfg.ShutdownDrainWait)
		}

		// Phase 2: Stop the scheduler. Live jobs end, which also closes their
		// event streams.
		schedCtx, cancel := context.WithTimeout(context.Background(), svcCfg.ShutdownTimeout)
		defer cancel()
		if err := sched.Stop(schedCtx); err != nil {
			slog.Warn("Scheduler shutdown error", "error", err)
		}

		// Phase 3: Close both servers gracefully
		shutdown(apiServer, metricsServer)

		// Phase 4: Drain the status feed into its sinks, then the dispatcher
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		if err := statusFeed.Close(drainCtx); err != nil {
			slog.Warn("Feed shutdown error", "error", err)
		}
		if err := eventDispatcher.Close(drainCtx); err != nil {
			slog.Warn("Dispatcher shutdown error", "error", err)
		}
		if natsSink != nil {
			if err := natsSink.Close(drainCtx); err != nil {
				slog.Warn("NATS shutdown error", "error", err)
			}
		}
		if err := shutdownTracing(drainCtx); err != nil {
			slog.Warn("Tracing shutdown error", "error", err)
		}

		stats := eventDispatcher.Stats()
		published, dropped := statusFeed.Stats()
		slog.Info("Shutdown stats",
			"events_published", published,
			"events_dropped", dropped,
			"callbacks_delivered", stats.Delivered,
			"callbacks_failed", stats.Failed,
			"callbacks_dropped", stats.Dropped,
			"callbacks_superseded", stats.Superseded,
		)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}

// newExecutor builds the configured execution backend. The close func is
// never nil.
func newExecutor(ctx context.Context, backend string) (executor, func(), error) {
	switch backend {
	case config.ExecutorHTTP:
		cfg := peer.LoadClientConfigFromEnv("EXECUTOR")
		cfg.OnBreakerChange = func(device string, from, to circuitbreaker.State) {
			slog.Warn("Device breaker state changed", "deviceId", device, "from", from, "to", to)
		}
		e, err := peer.NewHTTPExecutor(cfg)
		if err != nil {
			return nil, func() {}, err
		}
		slog.Info("Using HTTP executor", "url", cfg.BaseURL)
		return e, func() {}, nil
	case config.ExecutorDocker:
		e, err := docker.NewExecutor(ctx, docker.LoadConfigFromEnv())
		if err != nil {
			return nil, func() {}, err
		}
		slog.Info("Connected to Docker daemon")
		return e, func() {
			if err := e.Close(); err != nil {
				slog.Warn("Docker client close error", "error", err)
			}
		}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown executor backend %q", backend)
	}
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server %s: %w", srv.Addr, err)
	}
	return nil
}

// shutdown closes servers gracefully.
func shutdown(servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server shutdown error", "addr", srv.Addr, "error", err)
		}
	}
}
