// Package app wires every packrun subsystem together and dispatches to the
// runtime mode selected by config.Config.Mode. It is grounded on the
// teacher's internal/app/app.go: load config, connect infrastructure, run
// global migrations, then switch on mode — reworked from the teacher's
// api/worker/seed/seed-demo split into api/worker/reaper/migrate.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/packrun/internal/alarm"
	"github.com/wisbric/packrun/internal/api"
	"github.com/wisbric/packrun/internal/auth"
	"github.com/wisbric/packrun/internal/config"
	"github.com/wisbric/packrun/internal/httpserver"
	"github.com/wisbric/packrun/internal/ledger"
	"github.com/wisbric/packrun/internal/objectstore"
	"github.com/wisbric/packrun/internal/pack"
	"github.com/wisbric/packrun/internal/platform"
	"github.com/wisbric/packrun/internal/queue"
	"github.com/wisbric/packrun/internal/ratelimit"
	"github.com/wisbric/packrun/internal/reaper"
	"github.com/wisbric/packrun/internal/reservation"
	"github.com/wisbric/packrun/internal/telemetry"
	"github.com/wisbric/packrun/internal/version"
	"github.com/wisbric/packrun/internal/worker"
)

// Run is the application entry point. It reads config, connects to
// infrastructure, and starts the mode cfg.Mode selects.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting packrun", "mode", cfg.Mode, "version", version.Version)

	shutdownTracer, err := telemetry.InitTracer(ctx, "packrun", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	if cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	store := ledger.NewStore(db)
	reservations := reservation.NewIndex(rdb, time.Duration(cfg.ReservationTTLHours)*time.Hour)
	idempotencyCells := reservation.NewIdempotencyCells(rdb, time.Duration(cfg.IdempotencyCellTTLHours)*time.Hour)

	objStore, err := newObjectStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to object store: %w", err)
	}

	q, err := newQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to queue: %w", err)
	}

	registry := pack.NewRegistry()
	registry.Register(pack.DecisionPackType, pack.NewDecisionPack(100_000))

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, store, rdb, reservations, objStore, q, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, store, q, objStore, reservations, idempotencyCells, registry)
	case "reaper":
		return runReaper(ctx, cfg, logger, store, objStore, reservations, idempotencyCells)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func newObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, error) {
	return objectstore.NewS3Store(ctx, cfg.AWSRegion, cfg.S3EndpointURL, cfg.S3ResultBucket, config.IsLocalEndpoint(cfg.S3EndpointURL))
}

func newQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	return queue.NewSQSQueue(ctx, cfg.SQSQueueURL, cfg.AWSRegion, config.IsLocalEndpoint(cfg.SQSQueueURL))
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *pgxpool.Pool,
	store *ledger.Store,
	rdb *redis.Client,
	reservations *reservation.Index,
	objStore objectstore.Store,
	q queue.Queue,
	metricsReg *prometheus.Registry,
) error {
	authr := &auth.Authenticator{Store: store}
	limiter := ratelimit.NewLimiter(rdb)

	checkers := []httpserver.NamedChecker{
		{Name: "database", Checker: store},
		{Name: "redis", Checker: pingRedis{rdb}},
		{Name: "queue", Checker: q},
		{Name: "objectstore", Checker: objStore},
	}

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, metricsReg, checkers)

	handlers := &api.Handlers{
		Ledger:             store,
		Limiter:            limiter,
		Reservations:       reservations,
		Queue:              q,
		ObjectStore:        objStore,
		ResultBucket:       cfg.S3ResultBucket,
		Logger:             logger,
		RateLimitWindow:    time.Duration(cfg.RateLimitWindowSec) * time.Second,
		RateLimitAllowance: int64(cfg.RateLimitTenantAllowance),
		DownloadURLTTL:     15 * time.Minute,
		RetentionTTL:       time.Duration(cfg.ReservationTTLHours) * time.Hour,
	}

	srv.APIRouter.Group(func(r chi.Router) {
		r.Use(auth.Middleware(authr, logger))
		handlers.Mount(r)
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	store *ledger.Store,
	q queue.Queue,
	objStore objectstore.Store,
	reservations *reservation.Index,
	idempotencyCells *reservation.IdempotencyCells,
	registry *pack.Registry,
) error {
	wk := &worker.Worker{
		Ledger:            store,
		Queue:             q,
		ObjectStore:       objStore,
		Packs:             registry,
		Reservations:      reservations,
		Idempotency:       idempotencyCells,
		ResultBucket:      cfg.S3ResultBucket,
		Logger:            logger,
		LeaseWindow:       time.Duration(cfg.WorkerLeaseTTLSec) * time.Second,
		HeartbeatInterval: time.Duration(cfg.WorkerHeartbeatIntervalSec) * time.Second,
		ReceiveBatchSize:  10,
		ReceiveWaitTime:   20 * time.Second,
	}
	return wk.Run(ctx)
}

func runReaper(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	store *ledger.Store,
	objStore objectstore.Store,
	reservations *reservation.Index,
	idempotencyCells *reservation.IdempotencyCells,
) error {
	alarms := alarm.NewWriter(logger)
	alarms.Start(ctx)
	defer alarms.Close()

	e := &reaper.Engine{
		Ledger:             store,
		Reservations:       reservations,
		Idempotency:        idempotencyCells,
		ObjectStore:        objStore,
		ResultBucket:       cfg.S3ResultBucket,
		Alarms:             alarms,
		Logger:             logger,
		LeaseSweepInterval: time.Duration(cfg.ReaperIntervalSec) * time.Second,
		ReconcileInterval:  time.Duration(cfg.ReconcileIntervalSec) * time.Second,
		ReconcileThreshold: time.Duration(cfg.ReconcileThresholdMinutes) * time.Minute,
		PageSize:           cfg.ReaperPageSize,
	}
	return e.Run(ctx)
}

// pingRedis adapts a *redis.Client to httpserver.Checker.
type pingRedis struct{ rdb *redis.Client }

func (p pingRedis) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
