package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/selivandex/market-etl/internal/adapters/config"
	"github.com/selivandex/market-etl/pkg/logger"
)

// Client wraps RedLock manager for run locks + standard Redis for the read cache
type Client struct {
	lockManager *redlock.RedLock
	cache       *redis.Client
	lockTTL     time.Duration
}

// New creates new Redis client with RedLock support + caching
func New(cfg *config.RedisConfig) (*Client, error) {
	// Single instance; pass more addresses for a multi-node quorum
	redisAddrs := []string{fmt.Sprintf("tcp://%s", cfg.Addr())}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lockManager, err := redlock.NewRedLock(ctx, redisAddrs)
	if err != nil {
		return nil, fmt.Errorf("failed to create redlock manager: %w", err)
	}

	cacheClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	if err := cacheClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis cache: %w", err)
	}

	logger.Info("redis client initialized",
		zap.String("address", cfg.Addr()),
		zap.Int("db", cfg.DB),
		zap.Duration("lock_ttl", cfg.LockTTL),
	)

	return &Client{
		lockManager: lockManager,
		cache:       cacheClient,
		lockTTL:     cfg.LockTTL,
	}, nil
}

// RunLocks returns the per-source run lock factory
func (c *Client) RunLocks() *RunLockFactory {
	return NewRunLockFactory(c.lockManager, c.lockTTL).WithPing(func(ctx context.Context) error {
		return c.cache.Ping(ctx).Err()
	})
}

// Cache returns the go-redis client used by the read cache
func (c *Client) Cache() *redis.Client {
	return c.cache
}

// Close closes redis connections
func (c *Client) Close() error {
	if c.cache != nil {
		logger.Info("closing redis cache client")
		if err := c.cache.Close(); err != nil {
			return fmt.Errorf("failed to close redis cache: %w", err)
		}
	}
	return nil
}

// Health checks redis health by taking and releasing a short lock
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.cache.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	const healthKey = "etl:health:check"
	expiry, err := c.lockManager.Lock(ctx, healthKey, time.Second)
	if err != nil {
		return fmt.Errorf("redis lock health check failed: %w", err)
	}
	if expiry <= 0 {
		return fmt.Errorf("redis lock health check failed: invalid expiry")
	}
	_ = c.lockManager.UnLock(ctx, healthKey)

	return nil
}
