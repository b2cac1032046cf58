package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/market-etl/internal/adapters/clickhouse"
	"github.com/selivandex/market-etl/internal/adapters/config"
	"github.com/selivandex/market-etl/internal/adapters/database"
	"github.com/selivandex/market-etl/internal/adapters/redis"
	"github.com/selivandex/market-etl/internal/adapters/source"
	"github.com/selivandex/market-etl/internal/api"
	"github.com/selivandex/market-etl/internal/ingestion"
	"github.com/selivandex/market-etl/internal/observability"
	"github.com/selivandex/market-etl/internal/storage"
	"github.com/selivandex/market-etl/internal/storage/cache"
	"github.com/selivandex/market-etl/internal/storage/postgres"
	"github.com/selivandex/market-etl/internal/workers"
	"github.com/selivandex/market-etl/pkg/logger"
	"github.com/selivandex/market-etl/pkg/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("market ETL starting",
		zap.Strings("sources", cfg.GetEnabledSources()),
	)

	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store := postgres.NewStore(db.DB())
	metrics := observability.NewMetrics()

	registry, err := source.NewRegistryFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to build source registry: %w", err)
	}

	opts := ingestion.Options{
		Store:    store,
		Locker:   postgres.NewAdvisoryLocker(db.DB()),
		Recorder: metrics,
	}
	checks := map[string]api.Check{}

	var readStore storage.ReadStore = store
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(&cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()

		cached := cache.NewReadStore(redisClient.Cache(), cfg.Redis.CacheTTL, store, "etl")
		readStore = cached
		opts.Locker = redisClient.RunLocks()
		opts.Invalidator = cached
		checks["redis"] = redisClient.Health
	}

	if cfg.ClickHouse.Enabled {
		mirror, closeMirror, err := initClickHouse(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeMirror()
		opts.Mirror = mirror
	}

	orchestrator := ingestion.New(opts)

	group := worker.NewGroup(ctx)
	for _, src := range registry.All() {
		group.Add(
			workers.NewIngestionWorker(orchestrator, src, cfg.Ingestion.RunTimeout),
			sourceInterval(cfg, src.ID()),
		)
	}

	dispatcher := workers.NewDispatcher(ctx, orchestrator, registry, cfg.Ingestion.RunTimeout)

	handler := api.NewHandler(readStore, dispatcher, checks)
	server := api.NewServer(cfg.HTTP, api.NewRouter(handler, metrics, metrics.Handler()))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	group.Start()
	handler.SetReady(true)

	logger.Info("market ETL ready",
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("clickhouse", cfg.ClickHouse.Enabled),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully...")
	case err := <-serverErr:
		if err != nil {
			logger.Error("api server failed", zap.Error(err))
		}
	}

	handler.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop api server", zap.Error(err))
	}
	group.Stop(shutdownTimeout)
	dispatcher.Close(shutdownTimeout)

	logger.Info("market ETL stopped")
	return nil
}

func initDatabase(cfg *config.Config) (*database.DB, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.RunMigrations(db.Conn(), cfg.Migrations.Path); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Name),
	)

	return db, nil
}

func initClickHouse(ctx context.Context, cfg *config.Config) (*clickhouse.RawBatchWriter, func(), error) {
	chDB, err := database.NewClickHouse(&cfg.ClickHouse)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	repo := clickhouse.NewRepository(chDB.DB())
	if err := repo.EnsureSchema(ctx); err != nil {
		chDB.Close()
		return nil, nil, err
	}

	writer := clickhouse.NewRawBatchWriter(repo, cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval)
	closeFn := func() {
		writer.Close()
		chDB.Close()
	}

	logger.Info("clickhouse raw mirror enabled",
		zap.String("host", cfg.ClickHouse.Host),
		zap.Int("batch_size", cfg.ClickHouse.BatchSize),
	)

	return writer, closeFn, nil
}

func sourceInterval(cfg *config.Config, sourceID string) time.Duration {
	switch sourceID {
	case cfg.CoinGecko.SourceID:
		return cfg.CoinGecko.Interval
	case cfg.CoinPaprika.SourceID:
		return cfg.CoinPaprika.Interval
	default:
		return 5 * time.Minute
	}
}
