package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-agenda/internal/api/router"
	"github.com/wolfman30/clinic-agenda/internal/app/bootstrap"
	"github.com/wolfman30/clinic-agenda/internal/calendar"
	appconfig "github.com/wolfman30/clinic-agenda/internal/config"
	"github.com/wolfman30/clinic-agenda/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-agenda/internal/http/middleware"
	"github.com/wolfman30/clinic-agenda/internal/observability/metrics"
	"github.com/wolfman30/clinic-agenda/internal/reconcile"
	"github.com/wolfman30/clinic-agenda/internal/scheduling"
	"github.com/wolfman30/clinic-agenda/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic agenda API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"erp", cfg.ERPProvider,
		"timezone", cfg.ClinicTimezone,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock, err := bootstrap.BuildClock(cfg)
	if err != nil {
		logger.Error("invalid clinic clock", "error", err)
		os.Exit(1)
	}
	adapter, err := bootstrap.BuildERPAdapter(cfg, clock, logger)
	if err != nil {
		logger.Error("failed to configure ERP adapter", "error", err)
		os.Exit(1)
	}

	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
	} else {
		logger.Warn("DATABASE_URL not set; mirror and replay queue are in-memory")
	}
	store := bootstrap.BuildPersistence(pool, cfg, clock)
	defer store.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}

	metricsHandler, syncMetrics := setupMetrics()

	engine := scheduling.New(adapter, store.Mirror, clock, scheduling.Options{
		Locker:     bootstrap.BuildLocker(redisClient, 2*cfg.ERPTimeout),
		Replay:     store.Queue,
		Audit:      store.Audit,
		Metrics:    syncMetrics,
		Logger:     logger,
		ERPTimeout: cfg.ERPTimeout,
	})

	projector := calendar.NewProjector(clock, calendar.Options{
		DayStartHour: cfg.CalendarDayStartHour,
		DayEndHour:   cfg.CalendarDayEndHour,
		Metrics:      syncMetrics,
		Logger:       logger,
	})
	weekStart, err := calendar.ParseWeekday(cfg.CalendarWeekStart)
	if err != nil {
		logger.Error("invalid CALENDAR_WEEK_START", "error", err)
		os.Exit(1)
	}
	agenda := handlers.NewAgendaHandler(handlers.AgendaConfig{
		Service:     engine,
		Clock:       clock,
		Projector:   projector,
		History:     store.History,
		Granularity: cfg.CalendarGranularityMins,
		WeekStart:   weekStart,
		Logger:      logger,
	})

	inlineWorker := setupInlineWorker(ctx, cfg, store.Queue, engine, syncMetrics, logger)

	var limiter *httpmiddleware.RateLimiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = httpmiddleware.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitPerMinute/4+1)
	}
	if cfg.AdminJWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET not set; agenda routes are unauthenticated")
	}

	r := router.New(&router.Config{
		Logger:             logger,
		Agenda:             agenda,
		MetricsHandler:     metricsHandler,
		HealthCheck:        healthCheck(pool, redisClient),
		StaffAuthSecret:    cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        limiter,
		RequestTimeout:     cfg.ERPTimeout + 5*time.Second,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ERPTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	waitForInlineWorker(inlineWorker, logger)

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// setupMetrics registers the sync metrics and the Go runtime collectors on a
// private registry.
func setupMetrics() (http.Handler, *metrics.SyncMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	syncMetrics := metrics.NewSyncMetrics(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), syncMetrics
}

// setupInlineWorker drains an in-process replay queue. A durable queue is
// drained by cmd/reconcile-worker instead.
func setupInlineWorker(ctx context.Context, cfg *appconfig.Config, queue reconcile.Queue, handler reconcile.Handler, m *metrics.SyncMetrics, logger *logging.Logger) *sync.WaitGroup {
	if _, ok := queue.(*reconcile.MemoryQueue); !ok {
		return nil
	}
	worker := reconcile.NewWorker(queue, handler, logger).WithMetrics(m)
	if cfg.ReconcileInterval > 0 {
		worker = worker.WithInterval(cfg.ReconcileInterval)
	}
	if cfg.ReconcileBatchSize > 0 {
		worker = worker.WithBatchSize(int32(cfg.ReconcileBatchSize))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Start(ctx)
	}()
	logger.Info("inline reconcile worker started", "interval", cfg.ReconcileInterval)
	return &wg
}

func waitForInlineWorker(wg *sync.WaitGroup, logger *logging.Logger) {
	if wg == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("inline reconcile worker stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("timed out waiting for inline reconcile worker")
	}
}

func healthCheck(pool *pgxpool.Pool, redisClient *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}
