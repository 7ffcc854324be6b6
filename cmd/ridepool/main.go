package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	ratelimit "github.com/example/ridepool/internal/http/middleware"
	outboxworker "github.com/example/ridepool/internal/outbox"
	"github.com/example/ridepool/internal/ride/domain"
	"github.com/example/ridepool/internal/ride/handler"
	"github.com/example/ridepool/internal/ride/locking"
	"github.com/example/ridepool/internal/ride/matching"
	"github.com/example/ridepool/internal/ride/repository"
	"github.com/example/ridepool/internal/ride/service"
	"github.com/example/ridepool/migrations"
	"github.com/example/ridepool/pkg/observability"
	outboxpkg "github.com/example/ridepool/pkg/outbox"
)

const serviceName = "ridepool"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgErr := loadConfig()
	logger := observability.SetupLogger(serviceName, cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck
	if cfgErr != nil {
		logger.Fatal("load config", zap.Error(cfgErr))
	}

	shutdown, err := observability.SetupTracer(ctx, serviceName)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	checks := map[string]observability.ReadinessCheck{}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		if err := migrate(ctx, db, logger); err != nil {
			logger.Fatal("postgres migrate", zap.Error(err))
		}
		checks["postgres"] = db.PingContext
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
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name(serviceName)); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	stores := buildStores(db)
	locker, idem, limiter := buildRedisBacked(redisClient, logger, cfg)

	var events domain.EventPublisher
	if natsConn != nil {
		events = outboxpkg.NewPublisher(natsConn, cfg.EventsSubject)
	}

	engine := matching.NewEngine(matching.Config{
		MaxDistanceKM: cfg.MatchMaxDistanceKM,
		TimeWindow:    cfg.MatchTimeWindow,
	})
	svc, err := service.New(stores, engine, locker, events, domain.SystemClock{}, idem, logger.Named("service"), service.Config{
		LockTTL:      cfg.LockTTL,
		LockAttempts: cfg.LockAttempts,
		LockBackoff:  cfg.LockBackoff,
	})
	if err != nil {
		logger.Fatal("build service", zap.Error(err))
	}
	rideHTTP := handler.NewHTTP(svc, cfg.JWTSecret, limiter, logger.Named("http"))

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Mount("/", rideHTTP.Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	go func() {
		logger.Info("ridepool listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

func migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, res := range results {
		logger.Info("migration applied", zap.String("source", res.Source.Path), zap.Duration("duration", res.Duration))
	}
	return nil
}

// buildStores falls back to the in-memory repository when no database is
// configured; state is then lost on restart.
func buildStores(db *sql.DB) service.Stores {
	if db == nil {
		repo := repository.NewMemoryRepository(domain.SystemClock{})
		return service.Stores{Offers: repo, Requests: repo, Bookings: repo, Notifications: repo}
	}
	repo := repository.NewPostgresRepository(db, domain.SystemClock{}, "")
	return service.Stores{Offers: repo, Requests: repo, Bookings: repo, Notifications: repo}
}

func buildRedisBacked(client *redis.Client, logger *zap.Logger, cfg appConfig) (locking.Locker, domain.IdempotencyRepository, *ratelimit.RateLimiter) {
	if client == nil {
		logger.Warn("redis not configured: process-local locks, in-memory idempotency, no rate limiting")
		return locking.NewMemoryLocker(), repository.NewMemoryIdempotencyRepo(cfg.IdempotencyTTL), nil
	}
	limiter := ratelimit.NewRateLimiter(client, map[ratelimit.Scope]ratelimit.Rule{
		ratelimit.ScopeRead:    {Rate: cfg.RateReadRPS, Burst: cfg.RateReadBurst},
		ratelimit.ScopeWrite:   {Rate: cfg.RateWriteRPS, Burst: cfg.RateWriteBurst},
		ratelimit.ScopeMatch:   {Rate: cfg.RateMatchRPS, Burst: cfg.RateMatchBurst},
		ratelimit.ScopeBooking: {Rate: cfg.RateBookingRPS, Burst: cfg.RateBookingBurst},
	}, logger.Named("ratelimit"))
	return locking.NewRedisLocker(client, ""), repository.NewRedisIdempotencyRepo(client, cfg.IdempotencyTTL), limiter
}
