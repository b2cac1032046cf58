package clickhouse

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/market-etl/pkg/logger"
	"github.com/selivandex/market-etl/pkg/models"
)

const createRawTable = `
	CREATE TABLE IF NOT EXISTS raw_data (
		id          Int64,
		source_id   LowCardinality(String),
		payload     String,
		ingested_at DateTime64(3, 'UTC')
	)
	ENGINE = ReplacingMergeTree
	PARTITION BY toYYYYMM(ingested_at)
	ORDER BY (source_id, id)
`

// Repository handles ClickHouse raw archive operations
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new ClickHouse repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the raw_data mirror table if missing
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createRawTable); err != nil {
		return fmt.Errorf("failed to create raw_data table: %w", err)
	}
	return nil
}

// SaveRawRecords appends raw records in one batch.
// Rows are keyed by the Postgres id so a replayed batch collapses on merge.
func (r *Repository) SaveRawRecords(ctx context.Context, records []*models.RawRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO raw_data (id, source_id, payload, ingested_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.ID, rec.SourceID, string(rec.Payload), rec.IngestedAt); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert raw record %d: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Debug("saved raw records to ClickHouse",
		zap.Int("count", len(records)),
	)

	return nil
}
