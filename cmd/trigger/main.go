package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/selivandex/market-etl/internal/adapters/config"
	"github.com/selivandex/market-etl/internal/adapters/database"
	"github.com/selivandex/market-etl/internal/adapters/redis"
	"github.com/selivandex/market-etl/internal/adapters/source"
	"github.com/selivandex/market-etl/internal/ingestion"
	"github.com/selivandex/market-etl/internal/storage/cache"
	"github.com/selivandex/market-etl/internal/storage/postgres"
	"github.com/selivandex/market-etl/pkg/logger"
)

func main() {
	var (
		sourceID = flag.String("source", "", "Source id to run (see -list)")
		list     = flag.Bool("list", false, "List enabled source ids and exit")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *sourceID, *list); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, sourceID string, list bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	registry, err := source.NewRegistryFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to build source registry: %w", err)
	}

	if list {
		fmt.Println(strings.Join(registry.IDs(), "\n"))
		return nil
	}
	if sourceID == "" {
		return fmt.Errorf("-source is required, one of: %s", strings.Join(registry.IDs(), ", "))
	}

	src, err := registry.Lookup(sourceID)
	if err != nil {
		return err
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db.Conn(), cfg.Migrations.Path); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	store := postgres.NewStore(db.DB())
	opts := ingestion.Options{
		Store:  store,
		Locker: postgres.NewAdvisoryLocker(db.DB()),
	}

	if cfg.Redis.Enabled {
		redisClient, err := redis.New(&cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()

		opts.Locker = redisClient.RunLocks()
		opts.Invalidator = cache.NewReadStore(redisClient.Cache(), cfg.Redis.CacheTTL, store, "etl")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Ingestion.RunTimeout)
	defer cancel()

	result, err := ingestion.New(opts).Run(ctx, src)
	if errors.Is(err, ingestion.ErrRunInProgress) {
		logger.Warn("another run of this source is in progress", zap.String("source", sourceID))
		return err
	}
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	fmt.Printf("source=%s status=%s cursor=%d->%d fetched=%d merged=%d skipped=%d throttled=%t duration=%s\n",
		result.SourceID, result.Status, result.StartCursor, result.NextCursor,
		result.Fetched, result.Merged, result.Skipped, result.Throttled, result.Duration,
	)
	return nil
}
