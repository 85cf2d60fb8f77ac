// Package bootstrap wires the shared runtime of the API and the reconcile
// worker: clinic clock, ERP adapter, persistence, locking.
package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-agenda/internal/audit"
	"github.com/wolfman30/clinic-agenda/internal/clinictime"
	appconfig "github.com/wolfman30/clinic-agenda/internal/config"
	"github.com/wolfman30/clinic-agenda/internal/erp"
	"github.com/wolfman30/clinic-agenda/internal/erp/clinicorp"
	"github.com/wolfman30/clinic-agenda/internal/erp/memory"
	"github.com/wolfman30/clinic-agenda/internal/mirror"
	"github.com/wolfman30/clinic-agenda/internal/reconcile"
	"github.com/wolfman30/clinic-agenda/internal/scheduling"
	"github.com/wolfman30/clinic-agenda/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildClock resolves the clinic timezone.
func BuildClock(cfg *appconfig.Config) (*clinictime.Normalizer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	clock, err := clinictime.New(cfg.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: clinic timezone %q: %w", cfg.ClinicTimezone, err)
	}
	return clock, nil
}

// BuildERPAdapter selects the system of record. "memory" is the in-process
// table used for development and demos.
func BuildERPAdapter(cfg *appconfig.Config, clock *clinictime.Normalizer, logger *logging.Logger) (erp.Adapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	switch cfg.ERPProvider {
	case "", "memory":
		logger.Warn("using in-memory ERP adapter; appointments are not persisted upstream")
		return memory.New(memory.Config{}), nil
	case "clinicorp":
		client, err := clinicorp.New(clinicorp.Config{
			BaseURL:      cfg.ClinicorpBaseURL,
			APIKey:       cfg.ClinicorpAPIKey,
			SubscriberID: cfg.ClinicorpSubscriberID,
			Timeout:      cfg.ERPTimeout,
			Normalizer:   clock,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		logger.Info("clinicorp ERP adapter configured", "base_url", cfg.ClinicorpBaseURL)
		return client, nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown ERP provider %q", cfg.ERPProvider)
	}
}

// ConnectPostgres opens a pool, or returns nil when url is empty.
func ConnectPostgres(ctx context.Context, url string, logger *logging.Logger) (*pgxpool.Pool, error) {
	if strings.TrimSpace(url) == "" {
		return nil, nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	logger.Info("connected to postgres")
	return pool, nil
}

// Persistence groups the stores behind the sync engine.
type Persistence struct {
	Mirror  mirror.Store
	Queue   reconcile.Queue
	Audit   audit.Recorder
	History audit.History
	// Durable reports whether the stores outlive the process.
	Durable bool

	sqlDB *sql.DB
}

// Close releases the database/sql handle shared with the pool.
func (p *Persistence) Close() {
	if p != nil && p.sqlDB != nil {
		_ = p.sqlDB.Close()
	}
}

// BuildPersistence returns Postgres-backed stores when pool is set and the
// in-memory variants otherwise. UseMemoryQueue forces the in-memory replay
// queue even with a database.
func BuildPersistence(pool *pgxpool.Pool, cfg *appconfig.Config, clock *clinictime.Normalizer) *Persistence {
	maxAttempts := 10
	if cfg != nil && cfg.ReconcileMaxAttempts > 0 {
		maxAttempts = cfg.ReconcileMaxAttempts
	}
	if pool == nil {
		recorder := &audit.MemoryRecorder{}
		return &Persistence{
			Mirror:  mirror.NewMemoryStore(clock),
			Queue:   reconcile.NewMemoryQueue(maxAttempts),
			Audit:   recorder,
			History: recorder,
		}
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	auditService := audit.NewService(sqlDB)
	p := &Persistence{
		Mirror:  mirror.NewPostgresStore(pool, clock),
		Queue:   reconcile.NewPostgresQueue(pool, maxAttempts),
		Audit:   auditService,
		History: auditService,
		Durable: true,
		sqlDB:   sqlDB,
	}
	if cfg != nil && cfg.UseMemoryQueue {
		p.Queue = reconcile.NewMemoryQueue(maxAttempts)
	}
	return p
}

// BuildLocker serializes writes per appointment: across processes through
// Redis when available, within this process otherwise.
func BuildLocker(client *redis.Client, ttl time.Duration) scheduling.Locker {
	if client == nil {
		return scheduling.NewKeyedMutex()
	}
	return scheduling.NewRedisLocker(client, ttl)
}
