package postgres

import (
	"context"
	"fmt"

	"github.com/selivandex/market-etl/internal/storage"
	"github.com/selivandex/market-etl/pkg/models"
)

// ListCanonical returns one page of assets ordered by symbol
func (s *Store) ListCanonical(ctx context.Context, q storage.CanonicalQuery) ([]*models.CanonicalAsset, error) {
	assets := []*models.CanonicalAsset{}

	var err error
	if q.Source != "" {
		err = s.db.SelectContext(ctx, &assets, `
			SELECT `+canonicalColumns+`
			FROM canonical_data
			WHERE provider_data ? $1
			ORDER BY symbol
			LIMIT $2 OFFSET $3
		`, q.Source, q.Limit, q.Offset())
	} else {
		err = s.db.SelectContext(ctx, &assets, `
			SELECT `+canonicalColumns+`
			FROM canonical_data
			ORDER BY symbol
			LIMIT $1 OFFSET $2
		`, q.Limit, q.Offset())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list canonical assets: %w", err)
	}

	return assets, nil
}

// CountCanonical returns the number of canonical assets
func (s *Store) CountCanonical(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM canonical_data`); err != nil {
		return 0, fmt.Errorf("failed to count canonical assets: %w", err)
	}
	return count, nil
}

// ListCheckpoints returns all checkpoints ordered by source id
func (s *Store) ListCheckpoints(ctx context.Context) ([]*models.Checkpoint, error) {
	checkpoints := []*models.Checkpoint{}
	err := s.db.SelectContext(ctx, &checkpoints,
		`SELECT `+checkpointColumns+` FROM etl_checkpoints ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return checkpoints, nil
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
