package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/carrental/internal/config"
	"github.com/example/carrental/internal/migrations"
	outboxworker "github.com/example/carrental/internal/outbox"
	"github.com/example/carrental/internal/reservation/domain"
	"github.com/example/carrental/internal/reservation/handler"
	"github.com/example/carrental/internal/reservation/repository"
	"github.com/example/carrental/internal/reservation/repository/postgres"
	"github.com/example/carrental/internal/reservation/service"
	"github.com/example/carrental/internal/reservation/sweeper"
	"github.com/example/carrental/pkg/observability"
	outboxpkg "github.com/example/carrental/pkg/outbox"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgErr := config.Load()

	logger := observability.SetupLogger("reservation-service", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck
	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}

	shutdown, err := observability.SetupTracer(ctx, "reservation-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	checks := map[string]observability.ReadinessFunc{}

	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		if cfg.RunMigrations {
			if _, err := migrations.Apply(ctx, pool, logger); err != nil {
				logger.Fatal("migrate", zap.Error(err))
			}
		}
		checks["postgres"] = pool.Ping
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("reservationservice")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var (
		repo   domain.Repository
		events domain.EventPublisher
	)
	if pool != nil {
		repo = postgres.NewRepository(pool)
		events = postgres.NewOutboxPublisher(pool, cfg.EventsTopic)
	} else {
		logger.Warn("POSTGRES_DSN not set, using in-memory storage")
		repo = repository.NewMemoryRepository()
		events = repository.PublishAfterCommit(outboxpkg.NewPublisher(natsConn, cfg.EventsTopic, logger))
	}

	var idem domain.IdempotencyRepository
	if redisClient != nil {
		idem = repository.NewRedisIdempotencyRepo(redisClient, "rental:idem", cfg.IdempotencyTTL)
	} else {
		idem = repository.NewMemoryIdempotencyRepo(cfg.IdempotencyTTL)
	}

	clock := domain.SystemClock{}
	svc := service.New(repo, events, clock, idem, logger, service.Config{
		DefaultHoldTTL:   cfg.HoldDefaultTTL,
		MaxHoldTTL:       cfg.HoldMaxTTL,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryBackoff:     cfg.RetryBackoff,
		BreakerFailures:  uint32(cfg.BreakerFailures),
		BreakerTimeout:   cfg.BreakerTimeout,
		Settings:         cfg.Settings,
	})

	sw := sweeper.New(repo, events, clock, logger, sweeper.Config{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatch,
	})
	go func() {
		if err := sw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	}()

	if pool != nil && natsConn != nil {
		worker := outboxworker.NewWorker(pool, natsConn, logger, outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else if pool != nil {
		logger.Warn("outbox relay disabled, events accumulate in the outbox table", zap.Bool("nats", natsConn != nil))
	}

	r := chi.NewRouter()
	r.Mount("/", handler.NewHTTP(svc, logger).Router())
	r.Mount("/observability", observability.MetricsRouter(checks))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("reservation service listening",
			zap.String("addr", srv.Addr),
			zap.Bool("postgres", pool != nil),
			zap.Bool("maintenance", cfg.Settings.MaintenanceMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}
