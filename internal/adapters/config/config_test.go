package config

import (
	"os"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		HTTP:        HTTPConfig{Port: 8080},
		Ingestion:   IngestionConfig{RunTimeout: time.Minute},
		CoinGecko:   CoinGeckoConfig{Enabled: true, SourceID: "coingecko_market", PerPage: 20},
		CoinPaprika: CoinPaprikaConfig{Enabled: true, SourceID: "coinpaprika_free", BatchSize: 50},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no sources", func(c *Config) { c.CoinGecko.Enabled = false; c.CoinPaprika.Enabled = false }, true},
		{"only paprika", func(c *Config) { c.CoinGecko.Enabled = false }, false},
		{"bad per page", func(c *Config) { c.CoinGecko.PerPage = 0 }, true},
		{"bad batch size", func(c *Config) { c.CoinPaprika.BatchSize = -1 }, true},
		{"duplicate source ids", func(c *Config) { c.CoinPaprika.SourceID = "coingecko_market" }, true},
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }, true},
		{"clickhouse without batch", func(c *Config) { c.ClickHouse.Enabled = true }, true},
		{"no run timeout", func(c *Config) { c.Ingestion.RunTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DB_USER", "etl")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("COINPAPRIKA_BATCH_SIZE", "25")
	t.Setenv("COINGECKO_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.CoinPaprika.BatchSize != 25 {
		t.Errorf("expected batch size 25, got %d", cfg.CoinPaprika.BatchSize)
	}
	if cfg.CoinGecko.Enabled {
		t.Error("coingecko should be disabled")
	}
	if got := cfg.GetEnabledSources(); len(got) != 1 || got[0] != "coinpaprika_free" {
		t.Errorf("unexpected enabled sources: %v", got)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("expected default db port 5432, got %d", cfg.Database.Port)
	}
}

func TestLoad_MissingCredentials(t *testing.T) {
	for _, key := range []string{"DB_USER", "DB_PASSWORD", "DATABASE_DB_USER", "DATABASE_DB_PASSWORD"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	if _, err := Load(); err == nil {
		t.Error("expected error when database credentials are missing")
	}
}

func TestDSNs(t *testing.T) {
	db := DatabaseConfig{Host: "pg", Port: 5433, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	if got := db.GetDSN(); got != "host=pg port=5433 user=u password=p dbname=n sslmode=disable" {
		t.Errorf("unexpected dsn: %s", got)
	}

	ch := ClickHouseConfig{Host: "ch", Port: 9000, User: "default", Password: "", Database: "etl"}
	if got := ch.GetDSN(); got != "clickhouse://default:@ch:9000/etl" {
		t.Errorf("unexpected clickhouse dsn: %s", got)
	}
}
