// Package source holds the market data providers feeding the ingestion pipeline.
package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/selivandex/market-etl/pkg/models"
)

// Source fetches incremental batches from one provider and normalizes its records.
// The cursor is opaque to callers; only the adapter knows what it counts.
type Source interface {
	// ID returns the unique source id used for checkpoints and provider_data keys
	ID() string

	// Fetch returns the batch starting at cursor. A throttled provider yields an
	// empty batch with NextCursor equal to cursor and a nil error.
	Fetch(ctx context.Context, cursor int64) (*Batch, error)

	// Normalize converts one raw payload into a candidate. It performs no I/O.
	Normalize(raw json.RawMessage) (*models.CanonicalCandidate, error)
}

// Batch is one fetch result
type Batch struct {
	Records    []json.RawMessage
	NextCursor int64
	Throttled  bool // provider refused the request with a rate limit or payment status
}

// Empty reports whether the batch carries no records
func (b *Batch) Empty() bool {
	return b == nil || len(b.Records) == 0
}

func noProgress(cursor int64, throttled bool) *Batch {
	return &Batch{NextCursor: cursor, Throttled: throttled}
}

// NormalizationError reports a raw record missing or carrying a malformed required field
type NormalizationError struct {
	Source string
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: normalization failed: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("%s: invalid field %q: %s", e.Source, e.Field, e.Reason)
}

func missingField(source, field string) *NormalizationError {
	return &NormalizationError{Source: source, Field: field, Reason: "missing"}
}
