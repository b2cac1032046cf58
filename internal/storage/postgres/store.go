// Package postgres implements the storage contracts on PostgreSQL through sqlx.
// Rows touched by a run are locked with SELECT ... FOR UPDATE so concurrent
// runs of different sources serialize on shared canonical assets.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/selivandex/market-etl/internal/storage"
	"github.com/selivandex/market-etl/pkg/models"
)

const checkpointColumns = `source_id, last_processed_offset, last_run_timestamp, status, metadata`

const canonicalColumns = `id, symbol, name, price_usd, market_cap, provider_data, last_updated, processed_at`

// Store handles ETL persistence on PostgreSQL
type Store struct {
	db *sqlx.DB
}

// NewStore creates new postgres store
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// LoadOrCreateCheckpoint returns the checkpoint of a source, creating it with cursor 0 if absent
func (s *Store) LoadOrCreateCheckpoint(ctx context.Context, sourceID string) (*models.Checkpoint, error) {
	if sourceID == "" {
		return nil, storage.ErrInvalidInput
	}

	initial := models.NewCheckpoint(sourceID, time.Now().UTC())

	query := `
		INSERT INTO etl_checkpoints (source_id, last_processed_offset, last_run_timestamp, status, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query,
		initial.SourceID,
		initial.Cursor,
		initial.LastRunAt,
		string(initial.Status),
		initial.Metadata,
	); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint: %w", err)
	}

	var cp models.Checkpoint
	err := s.db.GetContext(ctx, &cp,
		`SELECT `+checkpointColumns+` FROM etl_checkpoints WHERE source_id = $1`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	return &cp, nil
}

// MarkCheckpointFailed sets status FAILED and the run time, leaving the cursor untouched
func (s *Store) MarkCheckpointFailed(ctx context.Context, sourceID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE etl_checkpoints
		SET status = $2,
		    last_run_timestamp = $3
		WHERE source_id = $1
	`, sourceID, string(models.StatusFailed), at)
	if err != nil {
		return fmt.Errorf("failed to mark checkpoint failed: %w", err)
	}

	return expectOneRow(result)
}

// WithinTx runs fn in one transaction
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &tx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func expectOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// translate maps constraint violations onto storage sentinels
func translate(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505": // unique_violation
		return fmt.Errorf("%w: %s", storage.ErrDuplicateKey, pqErr.Constraint)
	case "23502", "23514", "22P02": // not_null_violation, check_violation, invalid_text_representation
		return fmt.Errorf("%w: %s", storage.ErrInvalidInput, pqErr.Message)
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}
