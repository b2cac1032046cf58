package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/selivandex/market-etl/internal/storage"
	"github.com/selivandex/market-etl/pkg/models"
)

type tx struct {
	tx *sqlx.Tx
}

func (t *tx) GetCheckpointForUpdate(ctx context.Context, sourceID string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := t.tx.GetContext(ctx, &cp,
		`SELECT `+checkpointColumns+` FROM etl_checkpoints WHERE source_id = $1 FOR UPDATE`, sourceID)
	if err != nil {
		if err = notFound(err); errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to lock checkpoint: %w", err)
	}
	return &cp, nil
}

func (t *tx) UpdateCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp == nil {
		return storage.ErrInvalidInput
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE etl_checkpoints
		SET last_processed_offset = $2,
		    last_run_timestamp = $3,
		    status = $4,
		    metadata = $5
		WHERE source_id = $1
	`, cp.SourceID, cp.Cursor, cp.LastRunAt, string(cp.Status), cp.Metadata)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", translate(err))
	}

	return expectOneRow(result)
}

func (t *tx) AppendRaw(ctx context.Context, rec *models.RawRecord) error {
	if rec == nil || rec.SourceID == "" {
		return storage.ErrInvalidInput
	}

	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO raw_data (source_id, payload, ingested_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, rec.SourceID, string(rec.Payload), rec.IngestedAt).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to append raw record: %w", translate(err))
	}

	return nil
}

func (t *tx) GetCanonicalForUpdate(ctx context.Context, symbol string) (*models.CanonicalAsset, error) {
	var asset models.CanonicalAsset
	err := t.tx.GetContext(ctx, &asset,
		`SELECT `+canonicalColumns+` FROM canonical_data WHERE symbol = $1 FOR UPDATE`,
		models.NormalizeSymbol(symbol))
	if err != nil {
		if err = notFound(err); errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to lock canonical asset: %w", err)
	}
	return &asset, nil
}

// InsertCanonical uses ON CONFLICT DO NOTHING so a lost insert race reports
// ErrDuplicateKey without aborting the surrounding transaction.
func (t *tx) InsertCanonical(ctx context.Context, asset *models.CanonicalAsset) error {
	if asset == nil || models.NormalizeSymbol(asset.Symbol) == "" {
		return storage.ErrInvalidInput
	}
	asset.Symbol = models.NormalizeSymbol(asset.Symbol)

	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO canonical_data (symbol, name, price_usd, market_cap, provider_data, last_updated, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO NOTHING
		RETURNING id
	`,
		asset.Symbol,
		asset.Name,
		asset.PriceUSD,
		asset.MarketCap,
		asset.ProviderData,
		asset.LastUpdated,
		asset.ProcessedAt,
	).Scan(&asset.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert canonical asset: %w", translate(err))
	}

	return nil
}

func (t *tx) UpdateCanonical(ctx context.Context, asset *models.CanonicalAsset) error {
	if asset == nil {
		return storage.ErrInvalidInput
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE canonical_data
		SET name = $2,
		    price_usd = $3,
		    market_cap = $4,
		    provider_data = $5,
		    last_updated = $6,
		    processed_at = $7
		WHERE symbol = $1
	`,
		models.NormalizeSymbol(asset.Symbol),
		asset.Name,
		asset.PriceUSD,
		asset.MarketCap,
		asset.ProviderData,
		asset.LastUpdated,
		asset.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update canonical asset: %w", translate(err))
	}

	return expectOneRow(result)
}
