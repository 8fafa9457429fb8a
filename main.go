package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-identity/pkg/config"
	"github.com/ekaya-inc/ekaya-identity/pkg/database"
	"github.com/ekaya-inc/ekaya-identity/pkg/embedcache"
	"github.com/ekaya-inc/ekaya-identity/pkg/handlers"
	"github.com/ekaya-inc/ekaya-identity/pkg/llm"
	"github.com/ekaya-inc/ekaya-identity/pkg/logging"
	"github.com/ekaya-inc/ekaya-identity/pkg/matching"
	"github.com/ekaya-inc/ekaya-identity/pkg/metrics"
	"github.com/ekaya-inc/ekaya-identity/pkg/middleware"
	"github.com/ekaya-inc/ekaya-identity/pkg/repositories"
	"github.com/ekaya-inc/ekaya-identity/pkg/retry"
	"github.com/ekaya-inc/ekaya-identity/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", cfg.Database.User+"@"+cfg.Database.Host+"/"+cfg.Database.Database),
		zap.Bool("redis", cfg.Redis.Host != ""),
		zap.Bool("embedding", cfg.Embedding.IsAvailable()),
		zap.Float64("fuzzy_threshold", cfg.Resolution.FuzzyThreshold))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", logging.Error(err))
	}
	defer db.Close()

	if err := migrate(cfg, logger); err != nil {
		logger.Fatal("Failed to run migrations", logging.Error(err))
	}

	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient, err = database.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer func() { _ = redisClient.Close() }()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	resolutionMetrics, err := metrics.NewResolutionMetrics(registry)
	if err != nil {
		logger.Fatal("Failed to register metrics", zap.Error(err))
	}

	provider, err := newEmbeddingProvider(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("Failed to create embedding client", zap.Error(err))
	}

	registryRepo := repositories.NewCanonicalRegistryRepository()
	arbiter := services.NewMatchArbiter(
		registryRepo,
		matching.NewFuzzyMatcher(nil),
		services.NewSemanticMatcher(provider),
		resolutionMetrics,
		logger,
	)
	resolutionService := services.NewResolutionService(arbiter, cfg.Resolution, database.WithTx, resolutionMetrics, logger)
	curationService := services.NewCurationService(registryRepo, logger)

	tenantMiddleware := handlers.TenantMiddleware(database.WithTenantContext(database.NewTenantScopeProvider(db), logger))
	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, db, registry, logger).RegisterRoutes(mux)
	handlers.NewResolutionHandler(resolutionService, logger).RegisterRoutes(mux, tenantMiddleware)
	handlers.NewCurationHandler(curationService, logger).RegisterRoutes(mux, tenantMiddleware)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.Recover(logger)(middleware.RequestLogger(logger.Named("http"))(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute, // bulk requests
	}

	go func() {
		logger.Info("Starting ekaya-identity", zap.String("addr", server.Addr), zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "local" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	return logger
}

// connectDatabase retries the initial connection so the service can start
// alongside its database container.
func connectDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*database.DB, error) {
	return retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*database.DB, error) {
		db, err := database.NewConnection(ctx, &cfg.Database, logger)
		if err != nil {
			logger.Warn("Database not ready", logging.Error(err))
		}
		return db, err
	})
}

func migrate(cfg *config.Config, logger *zap.Logger) error {
	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return database.RunMigrations(sqlDB, logger.Named("migrations"))
}

// newEmbeddingProvider returns nil when no provider is configured, which
// leaves the semantic tier unavailable.
func newEmbeddingProvider(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (llm.EmbeddingProvider, error) {
	ec := cfg.Embedding
	if !ec.IsAvailable() {
		logger.Info("No embedding provider configured; vector matching disabled")
		return nil, nil
	}

	client, err := llm.NewEmbeddingClient(&llm.Config{
		Endpoint:   ec.BaseURL,
		Model:      ec.Model,
		APIKey:     ec.APIKey,
		Dimensions: ec.Dimensions,
		Timeout:    ec.Timeout,
		MaxRetries: ec.MaxRetries,
		Breaker: llm.CircuitBreakerConfig{
			Threshold:  ec.CircuitThreshold,
			ResetAfter: ec.CircuitReset,
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	// Config validation guarantees a Redis client when the backend is redis.
	var cache embedcache.Cache = embedcache.NewMemoryCache(ec.CacheTTL)
	if ec.CacheBackend == "redis" {
		cache = embedcache.NewRedisCache(redisClient, "embed:"+ec.Model+":", ec.CacheTTL)
	}
	return embedcache.NewCachedProvider(client, cache, logger), nil
}
