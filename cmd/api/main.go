package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"classattend/internal/attendance"
	"classattend/internal/audit"
	"classattend/internal/config"
	"classattend/internal/enrollment"
	"classattend/internal/httpapi"
	"classattend/internal/httpmiddleware"
	"classattend/internal/metrics"
	"classattend/internal/queue"
	"classattend/internal/stats"
	"classattend/internal/store"
	"classattend/internal/telemetry"
	"classattend/internal/token"
)

const serviceName = "classattend-api"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := newLogger(cfg)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api failed")
	}
}

func newLogger(cfg config.App) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Production() {
		return zerolog.New(os.Stderr).With().Timestamp().Str("service", serviceName).Logger()
	}
	return log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).With().Str("service", serviceName).Logger()
}

// backends are the storage implementations selected by STORE_BACKEND.
type backends struct {
	tokens   token.Repository
	ledger   attendance.Ledger
	sessions enrollment.Directory
	attempts httpapi.AttemptLog
	sink     audit.Sink
	db       *store.DB
}

func openBackends(ctx context.Context, cfg config.App) (backends, error) {
	if cfg.StoreBackend == "memory" {
		sink := audit.NewMemorySink()
		return backends{
			tokens:   token.NewMemoryRepository(),
			ledger:   attendance.NewMemoryLedger(),
			sessions: enrollment.NewMemory(),
			attempts: sink,
			sink:     sink,
		}, nil
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return backends{}, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return backends{}, err
	}
	sink := audit.NewPostgresSink(db.Client, cfg.StoreTimeout)
	return backends{
		tokens:   token.NewPostgresRepository(db.Client, cfg.StoreTimeout),
		ledger:   attendance.NewPostgresLedger(db.Client, cfg.StoreTimeout),
		sessions: enrollment.NewPostgres(db.Client, cfg.StoreTimeout),
		attempts: sink,
		sink:     sink,
		db:       db,
	}, nil
}

func run(ctx context.Context, cfg config.App, logger zerolog.Logger) error {
	shutdownTracing, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown tracing")
		}
	}()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if b.db != nil {
			_ = b.db.Close()
		}
	}()

	checks := map[string]func(context.Context) bool{}
	if b.db != nil {
		checks["db"] = b.db.Healthy
	}

	var redisClient *store.Redis
	if cfg.QueueBackend == "redis" || cfg.RateLimitStore == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		checks["redis"] = redisClient.Healthy
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// No worker shares an in-memory queue, so drain it here.
		mem := queue.NewInMemory(256)
		q = mem
		go func() {
			if err := audit.Consume(ctx, mem, b.sink, logger); err != nil {
				logger.Error().Err(err).Msg("audit consumer stopped")
			}
		}()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	var limiter httpmiddleware.Limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if cfg.RateLimitStore == "redis" {
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
	}

	tokens := token.NewStore(b.tokens, cfg.Tokens())
	pipeline := attendance.NewPipeline(tokens, b.sessions, b.ledger, cfg.Attendance())

	router := httpapi.Router(httpapi.Deps{
		Tokens:   tokens,
		Sessions: b.sessions,
		Pipeline: pipeline,
		Ledger:   b.ledger,
		Stats:    stats.NewAggregator(b.ledger, b.sessions, cfg.Location(), nil),
		Audit:    audit.NewPublisher(q),
		Attempts: b.attempts,
		Metrics:  metrics.New(prometheus.DefaultRegisterer),
		Logger:   logger,
		Checks:   checks,
	}, httpapi.Options{
		SigningKey:     cfg.JWTSigningKey,
		Issuer:         cfg.JWTIssuer,
		DefaultRadius:  cfg.DefaultRadiusMeters,
		AllowedOrigins: cfg.AllowedOrigins,
		Limiter:        limiter,
		MetricsHandler: promhttp.Handler(),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           telemetry.Handler(router, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("store", cfg.StoreBackend).Str("queue", cfg.QueueBackend).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	logger.Info().Msg("server exited")
	return nil
}
