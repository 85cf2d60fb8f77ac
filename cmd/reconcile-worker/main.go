package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/clinic-agenda/cmd/mainconfig"
	"github.com/wolfman30/clinic-agenda/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-agenda/internal/config"
	"github.com/wolfman30/clinic-agenda/internal/observability/metrics"
	"github.com/wolfman30/clinic-agenda/internal/reconcile"
	"github.com/wolfman30/clinic-agenda/internal/scheduling"
	"github.com/wolfman30/clinic-agenda/pkg/logging"
)

// The worker runs in one of three modes:
//
//	poll     replay the Postgres queue through the sync engine
//	forward  move pending Postgres entries onto SQS
//	consume  replay entries received from SQS through the sync engine
func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel).Component("reconcile-worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start reconcile worker", "error", err, "mode", cfg.ReconcileMode)
		os.Exit(1)
	}
	defer run.close()

	logger.Info("reconcile worker started", "mode", cfg.ReconcileMode, "interval", cfg.ReconcileInterval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		run.loop(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutting down reconcile worker...")

	select {
	case <-done:
		logger.Info("reconcile worker stopped")
	case <-time.After(30 * time.Second):
		logger.Error("reconcile worker shutdown timed out")
	}
}

type runtime struct {
	loop  func(ctx context.Context)
	close func()
}

func setup(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*runtime, error) {
	switch cfg.ReconcileMode {
	case "poll", "forward", "consume":
	default:
		return nil, fmt.Errorf("unknown RECONCILE_MODE %q", cfg.ReconcileMode)
	}
	if cfg.ReconcileMode != "poll" && cfg.ReconcileQueueURL == "" {
		return nil, fmt.Errorf("RECONCILE_QUEUE_URL is required in %s mode", cfg.ReconcileMode)
	}

	syncMetrics := metrics.NewSyncMetrics(prometheus.DefaultRegisterer)

	var sqsClient *sqs.Client
	if cfg.ReconcileMode != "poll" {
		var err error
		if sqsClient, err = mainconfig.NewSQSClient(ctx, cfg); err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
	}

	clock, err := bootstrap.BuildClock(cfg)
	if err != nil {
		return nil, err
	}
	// Entries only exist durably in Postgres; consume mode can still run
	// against an in-memory mirror in development.
	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if pool == nil && cfg.ReconcileMode != "consume" {
		return nil, fmt.Errorf("DATABASE_URL is required in %s mode", cfg.ReconcileMode)
	}
	store := bootstrap.BuildPersistence(pool, cfg, clock)
	closeAll := func() {
		store.Close()
		if pool != nil {
			pool.Close()
		}
	}

	newWorker := func(handler reconcile.Handler) *reconcile.Worker {
		w := reconcile.NewWorker(store.Queue, handler, logger).WithMetrics(syncMetrics)
		if cfg.ReconcileInterval > 0 {
			w = w.WithInterval(cfg.ReconcileInterval)
		}
		if cfg.ReconcileBatchSize > 0 {
			w = w.WithBatchSize(int32(cfg.ReconcileBatchSize))
		}
		return w
	}

	if cfg.ReconcileMode == "forward" {
		w := newWorker(reconcile.NewSQSForwarder(sqsClient, cfg.ReconcileQueueURL))
		return &runtime{loop: w.Start, close: closeAll}, nil
	}

	adapter, err := bootstrap.BuildERPAdapter(cfg, clock, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	engine := scheduling.New(adapter, store.Mirror, clock, scheduling.Options{
		Locker:     bootstrap.BuildLocker(redisClient, 2*cfg.ERPTimeout),
		Replay:     store.Queue,
		Audit:      store.Audit,
		Metrics:    syncMetrics,
		Logger:     logger,
		ERPTimeout: cfg.ERPTimeout,
	})
	closeWithRedis := func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		closeAll()
	}

	if cfg.ReconcileMode == "consume" {
		consumer := reconcile.NewSQSConsumer(sqsClient, cfg.ReconcileQueueURL, engine, logger)
		return &runtime{loop: consumer.Run, close: closeWithRedis}, nil
	}
	w := newWorker(engine)
	return &runtime{loop: w.Start, close: closeWithRedis}, nil
}
