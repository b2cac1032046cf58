package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/selivandex/market-etl/internal/adapters/database"
	"github.com/selivandex/market-etl/internal/ingestion"
	"github.com/selivandex/market-etl/internal/storage"
	"github.com/selivandex/market-etl/pkg/models"
)

// setupTestStore starts a PostgreSQL container, applies migrations and
// returns a store bound to it. Skipped in -short mode or without Docker.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("market_etl"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.NewFromDSN(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.RunMigrations(db.Conn(), filepath.Join(findProjectRoot(t), "migrations")))

	return NewStore(db.DB())
}

func findProjectRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	require.NoError(t, err)

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (go.mod)")
		}
		dir = parent
	}
}

func TestStore_Postgres(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("checkpoint is created once", func(t *testing.T) {
		cp, err := s.LoadOrCreateCheckpoint(ctx, "coingecko_market")
		require.NoError(t, err)
		assert.Equal(t, int64(0), cp.Cursor)
		assert.Equal(t, models.StatusSuccess, cp.Status)

		again, err := s.LoadOrCreateCheckpoint(ctx, "coingecko_market")
		require.NoError(t, err)
		assert.Equal(t, cp.Cursor, again.Cursor)
	})

	t.Run("rollback discards every write", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			require.NoError(t, tx.AppendRaw(ctx, &models.RawRecord{
				SourceID: "coingecko_market", Payload: json.RawMessage(`{"id":"bitcoin"}`), IngestedAt: now,
			}))
			require.NoError(t, tx.InsertCanonical(ctx, &models.CanonicalAsset{
				Symbol: "doge", Name: "Dogecoin", PriceUSD: decimal.RequireFromString("0.1"),
				ProviderData: models.ProviderData{}, LastUpdated: now, ProcessedAt: now,
			}))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		assets, err := s.ListCanonical(ctx, storage.CanonicalQuery{Page: 1, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, assets)
	})

	t.Run("commit persists raw canonical and checkpoint", func(t *testing.T) {
		err := s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			cp, err := tx.GetCheckpointForUpdate(ctx, "coingecko_market")
			if err != nil {
				return err
			}

			rec := &models.RawRecord{SourceID: "coingecko_market", Payload: json.RawMessage(`{"id":"bitcoin"}`), IngestedAt: now}
			if err := tx.AppendRaw(ctx, rec); err != nil {
				return err
			}
			assert.NotZero(t, rec.ID)

			asset := &models.CanonicalAsset{
				Symbol:    "btc",
				Name:      "Bitcoin",
				PriceUSD:  decimal.RequireFromString("50000.5"),
				MarketCap: decimal.NewNullDecimal(decimal.RequireFromString("1000000")),
				ProviderData: models.ProviderData{
					"coingecko_market": {PriceUSD: decimal.RequireFromString("50000.5"), ObservedAt: now},
				},
				LastUpdated: now,
				ProcessedAt: now,
			}
			if err := tx.InsertCanonical(ctx, asset); err != nil {
				return err
			}
			assert.NotZero(t, asset.ID)

			dup := &models.CanonicalAsset{Symbol: "BTC", Name: "Bitcoin", ProviderData: models.ProviderData{}, LastUpdated: now, ProcessedAt: now}
			assert.ErrorIs(t, tx.InsertCanonical(ctx, dup), storage.ErrDuplicateKey)

			cp.Cursor = 1
			cp.LastRunAt = now
			return tx.UpdateCheckpoint(ctx, cp)
		})
		require.NoError(t, err)

		assets, err := s.ListCanonical(ctx, storage.CanonicalQuery{Page: 1, Limit: 10})
		require.NoError(t, err)
		require.Len(t, assets, 1)
		assert.Equal(t, "BTC", assets[0].Symbol)
		assert.True(t, assets[0].PriceUSD.Equal(decimal.RequireFromString("50000.5")))
		assert.True(t, assets[0].MarketCap.Valid)
		assert.Contains(t, assets[0].ProviderData, "coingecko_market")

		count, err := s.CountCanonical(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("update keeps the row and merges provider data", func(t *testing.T) {
		err := s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			asset, err := tx.GetCanonicalForUpdate(ctx, "btc")
			if err != nil {
				return err
			}
			asset.ProviderData["coinpaprika_free"] = models.ProviderEntry{
				PriceUSD: decimal.RequireFromString("50010"), ObservedAt: now,
			}
			asset.PriceUSD = decimal.RequireFromString("50010")
			return tx.UpdateCanonical(ctx, asset)
		})
		require.NoError(t, err)

		filtered, err := s.ListCanonical(ctx, storage.CanonicalQuery{Page: 1, Limit: 10, Source: "coinpaprika_free"})
		require.NoError(t, err)
		require.Len(t, filtered, 1)
		assert.Len(t, filtered[0].ProviderData, 2)

		none, err := s.ListCanonical(ctx, storage.CanonicalQuery{Page: 1, Limit: 10, Source: "unknown"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("missing rows report not found", func(t *testing.T) {
		err := s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			_, err := tx.GetCanonicalForUpdate(ctx, "NOPE")
			assert.ErrorIs(t, err, storage.ErrNotFound)
			_, err = tx.GetCheckpointForUpdate(ctx, "nope")
			assert.ErrorIs(t, err, storage.ErrNotFound)
			return nil
		})
		require.NoError(t, err)
		assert.ErrorIs(t, s.MarkCheckpointFailed(ctx, "nope", now), storage.ErrNotFound)
	})

	t.Run("mark failed keeps the cursor", func(t *testing.T) {
		require.NoError(t, s.MarkCheckpointFailed(ctx, "coingecko_market", now.Add(time.Hour)))

		checkpoints, err := s.ListCheckpoints(ctx)
		require.NoError(t, err)
		require.Len(t, checkpoints, 1)
		assert.Equal(t, models.StatusFailed, checkpoints[0].Status)
		assert.Equal(t, int64(1), checkpoints[0].Cursor)
	})

	t.Run("check violation maps to invalid input", func(t *testing.T) {
		err := s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			return tx.UpdateCheckpoint(ctx, &models.Checkpoint{
				SourceID: "coingecko_market", Cursor: 9, LastRunAt: now, Status: "BOGUS",
			})
		})
		assert.ErrorIs(t, err, storage.ErrInvalidInput)
	})

	t.Run("advisory lock is exclusive per source", func(t *testing.T) {
		locker := NewAdvisoryLocker(s.db)

		release, err := locker.Acquire(ctx, "coingecko_market")
		require.NoError(t, err)

		_, err = locker.Acquire(ctx, "coingecko_market")
		assert.ErrorIs(t, err, ingestion.ErrRunInProgress)

		other, err := locker.Acquire(ctx, "coinpaprika_free")
		require.NoError(t, err)
		other()

		release()
		release()

		again, err := locker.Acquire(ctx, "coingecko_market")
		require.NoError(t, err)
		again()
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}
