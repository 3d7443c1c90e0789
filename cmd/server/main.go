// Package main is the entrypoint for the driftwatch API server and worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/driftwatch/internal/api"
	"github.com/kiranshivaraju/driftwatch/internal/api/handler"
	mw "github.com/kiranshivaraju/driftwatch/internal/api/middleware"
	"github.com/kiranshivaraju/driftwatch/internal/api/response"
	"github.com/kiranshivaraju/driftwatch/internal/auth"
	"github.com/kiranshivaraju/driftwatch/internal/backend"
	"github.com/kiranshivaraju/driftwatch/internal/billing"
	"github.com/kiranshivaraju/driftwatch/internal/blob"
	"github.com/kiranshivaraju/driftwatch/internal/bridge"
	"github.com/kiranshivaraju/driftwatch/internal/cache"
	"github.com/kiranshivaraju/driftwatch/internal/config"
	"github.com/kiranshivaraju/driftwatch/internal/inference"
	"github.com/kiranshivaraju/driftwatch/internal/jobstate"
	"github.com/kiranshivaraju/driftwatch/internal/logging"
	"github.com/kiranshivaraju/driftwatch/internal/notify"
	"github.com/kiranshivaraju/driftwatch/internal/probe"
	"github.com/kiranshivaraju/driftwatch/internal/queue"
	"github.com/kiranshivaraju/driftwatch/internal/store"
	"github.com/kiranshivaraju/driftwatch/internal/upload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := logging.NewLogger(os.Stdout, os.Getenv("LOG_LEVEL"))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(os.Stdout, cfg.Server.LogLevel)
	slog.SetDefault(logger)
	slog.Info("config loaded", "backend", cfg.Backend.Name, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Redis backs both the status cache and the work queue
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	q := queue.NewRedisQueue(redisCache.Client(), queue.Options{
		Name:          cfg.Queue.Name,
		Attempts:      cfg.Queue.Attempts,
		Backoff:       cfg.Queue.Backoff,
		KeepCompleted: cfg.Queue.KeepCompleted,
		KeepFailed:    cfg.Queue.KeepFailed,
		RetentionAge:  cfg.Queue.RetentionAge,
	}, logger)

	// 5. Object storage
	blobs, err := blob.NewS3Store(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create blob store: %w", err)
	}
	slog.Info("blob storage initialized", "bucket", cfg.Storage.Bucket)

	// 6. Domain services
	pgStore := store.NewPostgresStore(pool)
	machine := jobstate.New(pgStore)
	verifier := auth.NewKeyVerifier(pgStore, logger)
	accountant := billing.NewAccountant(pgStore, logger)
	hub := notify.NewHub(verifier, notify.Options{
		AuthTimeout:    cfg.Notify.AuthTimeout,
		AllowedOrigins: cfg.Notify.AllowedOrigins,
		ConnRPS:        cfg.Notify.ConnRPS,
		ConnBurst:      cfg.Notify.ConnBurst,
	}, logger)

	comparer := backend.NewHTTPClient(cfg.Backend.URL, cfg.Backend.Name, cfg.Backend.Timeout)
	prober := probe.New(cfg.Probe.FFprobePath, cfg.Probe.TempDir, cfg.Probe.Timeout, logger)

	inferenceSvc := inference.NewService(pgStore, blobs, q, machine, redisCache, hub, logger)
	uploadSvc := upload.NewService(pgStore, blobs, prober, accountant, logger,
		upload.WithMaxExtractedBytes(cfg.Server.MaxExtractedBytes))
	processor := inference.NewProcessor(pgStore, comparer, blobs, cfg.Backend.Timeout, logger)

	// 7. Worker pool and event bridge
	if n, err := q.RequeueStalled(ctx); err != nil {
		slog.Warn("requeue stalled jobs failed", "error", err)
	} else if n > 0 {
		slog.Info("requeued stalled jobs", "count", n)
	}

	poolCtx, stopPool := context.WithCancel(context.Background())
	defer stopPool()
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		workerPool := queue.NewPool(q, processor.Handle, cfg.Queue.Concurrency, cfg.Queue.PollInterval, logger)
		if err := workerPool.Run(poolCtx); err != nil {
			slog.Error("worker pool stopped", "error", err)
		}
	}()
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		bridge.New(pgStore, machine, redisCache, hub, logger).Run(bridgeCtx, q.Events())
	}()

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(verifier),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitRPM),

		HealthHandler: healthHandler(
			healthCheck{"database", pgStore},
			healthCheck{"cache", redisCache},
			healthCheck{"storage", blobs},
			healthCheck{"backend", pingFunc(comparer.Ready)},
			healthCheck{"queue", pingFunc(func(ctx context.Context) error {
				_, err := q.Counts(ctx)
				return err
			})},
		),
		MetricsHandler: promhttp.Handler(),
		Notifications:  hub,

		EnqueueHandler:      handler.NewEnqueueHandler(inferenceSvc),
		UploadHandler:       handler.NewUploadHandler(uploadSvc, cfg.Server.MaxUploadBytes),
		ListVideosHandler:   handler.NewListVideosHandler(pgStore),
		GetInferenceHandler: handler.NewGetInferenceHandler(inferenceSvc),
		StatusHandler:       handler.NewStatusHandler(inferenceSvc),
		ResultHandler:       handler.NewResultHandler(inferenceSvc),
		ResultZipHandler:    handler.NewResultZipHandler(inferenceSvc),
		AbortHandler:        handler.NewAbortHandler(inferenceSvc),
		CarbonHandler:       handler.NewCarbonHandler(inferenceSvc),
		GrantCreditsHandler: handler.NewGrantCreditsHandler(accountant),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Uploads and result archives can be large.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	httpLog := logging.WithComponent(logger, "http")
	errCh := make(chan error, 1)
	go func() {
		httpLog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server shutdown: %w", err)
	}

	// Cancelling the pool interrupts in-flight attempts. They go back to the
	// wait list uncounted and run again after restart. The bridge stops last
	// so it still sees events from attempts that finished meanwhile.
	stopPool()
	waitOrTimeout(shutdownCtx, poolDone, "worker pool")
	stopBridge()
	waitOrTimeout(shutdownCtx, bridgeDone, "event bridge")

	if serveErr != nil {
		return serveErr
	}
	slog.Info("server stopped gracefully")
	return nil
}

func waitOrTimeout(ctx context.Context, done <-chan struct{}, name string) {
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("component did not stop before shutdown timeout", "component", name)
	}
}

// pinger is a dependency the health endpoint can probe.
type pinger interface {
	Ping(ctx context.Context) error
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type healthCheck struct {
	name string
	dep  pinger
}

// healthHandler reports the connectivity of each dependency.
func healthHandler(checks ...healthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services := make(map[string]string, len(checks))
		degraded := false
		for _, c := range checks {
			services[c.name] = "ok"
			if err := c.dep.Ping(r.Context()); err != nil {
				services[c.name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", services)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": services,
		})
	}
}
