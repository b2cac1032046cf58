package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/selivandex/market-etl/internal/storage"
	"github.com/selivandex/market-etl/pkg/models"
)

// maxInsertAttempts bounds retries after losing an insert race on a new symbol
const maxInsertAttempts = 3

// MergeCandidate folds a candidate into an existing asset and returns the result.
// existing may be nil for a first sighting; it is never mutated.
//
// Price and last_updated follow the latest candidate from any provider.
// market_cap is only replaced by a non-null value. The candidate's own
// provider entry is replaced while other providers' entries are kept.
func MergeCandidate(existing *models.CanonicalAsset, c *models.CanonicalCandidate, processedAt time.Time) *models.CanonicalAsset {
	entry := models.ProviderEntry{PriceUSD: c.PriceUSD, ObservedAt: c.ObservedAt}

	if existing == nil {
		return &models.CanonicalAsset{
			Symbol:       models.NormalizeSymbol(c.Symbol),
			Name:         c.Name,
			PriceUSD:     c.PriceUSD,
			MarketCap:    c.MarketCap,
			ProviderData: models.ProviderData{c.SourceID: entry},
			LastUpdated:  c.ObservedAt,
			ProcessedAt:  processedAt,
		}
	}

	merged := existing.Clone()
	merged.PriceUSD = c.PriceUSD
	merged.LastUpdated = c.ObservedAt
	merged.ProcessedAt = processedAt
	if c.MarketCap.Valid {
		merged.MarketCap = c.MarketCap
	}
	if merged.Name == "" {
		merged.Name = c.Name
	}
	if merged.ProviderData == nil {
		merged.ProviderData = models.ProviderData{}
	}
	merged.ProviderData[c.SourceID] = entry

	return merged
}

// mergeIntoStore applies a candidate inside tx. The row is read with a lock
// and rewritten, so concurrent runs touching the same symbol serialize.
func mergeIntoStore(ctx context.Context, tx storage.CanonicalTx, c *models.CanonicalCandidate, processedAt time.Time) error {
	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		existing, err := tx.GetCanonicalForUpdate(ctx, c.Symbol)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			err = tx.InsertCanonical(ctx, MergeCandidate(nil, c, processedAt))
			if errors.Is(err, storage.ErrDuplicateKey) {
				continue
			}
			return err
		case err != nil:
			return err
		}

		return tx.UpdateCanonical(ctx, MergeCandidate(existing, c, processedAt))
	}

	return fmt.Errorf("merge %s: %w", c.Symbol, storage.ErrDuplicateKey)
}
