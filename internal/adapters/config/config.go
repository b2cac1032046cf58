package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config represents application configuration
type Config struct {
	Database    DatabaseConfig    `envconfig:"DATABASE"`
	Migrations  MigrationsConfig  `envconfig:"MIGRATIONS"`
	Redis       RedisConfig       `envconfig:"REDIS"`
	ClickHouse  ClickHouseConfig  `envconfig:"CLICKHOUSE"`
	HTTP        HTTPConfig        `envconfig:"HTTP"`
	Logging     LoggingConfig     `envconfig:"LOGGING"`
	Ingestion   IngestionConfig   `envconfig:"INGESTION"`
	CoinGecko   CoinGeckoConfig   `envconfig:"COINGECKO"`
	CoinPaprika CoinPaprikaConfig `envconfig:"COINPAPRIKA"`
}

// DatabaseConfig represents database connection parameters
type DatabaseConfig struct {
	Host            string        `envconfig:"DB_HOST" default:"localhost"`
	Port            int           `envconfig:"DB_PORT" default:"5432"`
	Name            string        `envconfig:"DB_NAME" default:"market_etl"`
	User            string        `envconfig:"DB_USER" required:"true"`
	Password        string        `envconfig:"DB_PASSWORD" required:"true"`
	SSLMode         string        `envconfig:"DB_SSLMODE" default:"disable"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
}

// MigrationsConfig points at the golang-migrate source directory
type MigrationsConfig struct {
	Path string `envconfig:"MIGRATIONS_PATH" default:"./migrations"`
}

// RedisConfig represents redis connection and locking parameters
type RedisConfig struct {
	Enabled  bool          `envconfig:"REDIS_ENABLED" default:"false"`
	Host     string        `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int           `envconfig:"REDIS_PORT" default:"6379"`
	Password string        `envconfig:"REDIS_PASSWORD" required:"false"`
	DB       int           `envconfig:"REDIS_DB" default:"0"`
	LockTTL  time.Duration `envconfig:"REDIS_LOCK_TTL" default:"60s"`
	CacheTTL time.Duration `envconfig:"REDIS_CACHE_TTL" default:"30s"`
}

// ClickHouseConfig represents the raw archive mirror connection
type ClickHouseConfig struct {
	Enabled       bool          `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	Host          string        `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port          int           `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	Database      string        `envconfig:"CLICKHOUSE_DATABASE" default:"market_etl"`
	User          string        `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password      string        `envconfig:"CLICKHOUSE_PASSWORD" required:"false"`
	BatchSize     int           `envconfig:"CLICKHOUSE_BATCH_SIZE" default:"500"`
	FlushInterval time.Duration `envconfig:"CLICKHOUSE_FLUSH_INTERVAL" default:"10s"`
}

// HTTPConfig represents read API server parameters
type HTTPConfig struct {
	Port         int           `envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE" required:"false"`
}

// IngestionConfig bounds a single orchestrator run
type IngestionConfig struct {
	RunTimeout time.Duration `envconfig:"INGESTION_RUN_TIMEOUT" default:"2m"`
}

// CoinGeckoConfig represents the paginated CoinGecko markets source
type CoinGeckoConfig struct {
	Enabled  bool          `envconfig:"COINGECKO_ENABLED" default:"true"`
	SourceID string        `envconfig:"COINGECKO_SOURCE_ID" default:"coingecko_market"`
	BaseURL  string        `envconfig:"COINGECKO_BASE_URL" default:"https://api.coingecko.com/api/v3"`
	APIKey   string        `envconfig:"COINGECKO_API_KEY" required:"false"`
	PerPage  int           `envconfig:"COINGECKO_PER_PAGE" default:"20"`
	Timeout  time.Duration `envconfig:"COINGECKO_TIMEOUT" default:"10s"`
	Interval time.Duration `envconfig:"COINGECKO_INTERVAL" default:"5m"`
}

// CoinPaprikaConfig represents the bulk CoinPaprika tickers source
type CoinPaprikaConfig struct {
	Enabled   bool          `envconfig:"COINPAPRIKA_ENABLED" default:"true"`
	SourceID  string        `envconfig:"COINPAPRIKA_SOURCE_ID" default:"coinpaprika_free"`
	BaseURL   string        `envconfig:"COINPAPRIKA_BASE_URL" default:"https://api.coinpaprika.com/v1"`
	BatchSize int           `envconfig:"COINPAPRIKA_BATCH_SIZE" default:"50"`
	Timeout   time.Duration `envconfig:"COINPAPRIKA_TIMEOUT" default:"10s"`
	Interval  time.Duration `envconfig:"COINPAPRIKA_INTERVAL" default:"10m"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if !c.CoinGecko.Enabled && !c.CoinPaprika.Enabled {
		return fmt.Errorf("at least one source must be enabled")
	}

	if c.CoinGecko.Enabled {
		if c.CoinGecko.SourceID == "" {
			return fmt.Errorf("coingecko source id is required")
		}
		if c.CoinGecko.PerPage <= 0 || c.CoinGecko.PerPage > 250 {
			return fmt.Errorf("coingecko per_page must be between 1 and 250")
		}
	}

	if c.CoinPaprika.Enabled {
		if c.CoinPaprika.SourceID == "" {
			return fmt.Errorf("coinpaprika source id is required")
		}
		if c.CoinPaprika.BatchSize <= 0 {
			return fmt.Errorf("coinpaprika batch_size must be positive")
		}
	}

	if c.CoinGecko.Enabled && c.CoinPaprika.Enabled && c.CoinGecko.SourceID == c.CoinPaprika.SourceID {
		return fmt.Errorf("source ids must be unique, got %q twice", c.CoinGecko.SourceID)
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535")
	}

	if c.ClickHouse.Enabled && c.ClickHouse.BatchSize <= 0 {
		return fmt.Errorf("clickhouse batch_size must be positive")
	}

	if c.Ingestion.RunTimeout <= 0 {
		return fmt.Errorf("ingestion run_timeout must be positive")
	}

	return nil
}

// GetDSN returns PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetDSN returns ClickHouse connection string
func (c *ClickHouseConfig) GetDSN() string {
	return fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s",
		c.User, c.Password, c.Host, c.Port, c.Database,
	)
}

// Addr returns host:port for the redis cache client
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetEnabledSources returns ids of enabled sources
func (c *Config) GetEnabledSources() []string {
	var sources []string
	if c.CoinGecko.Enabled {
		sources = append(sources, c.CoinGecko.SourceID)
	}
	if c.CoinPaprika.Enabled {
		sources = append(sources, c.CoinPaprika.SourceID)
	}
	return sources
}
