package storage

import (
	"context"
	"time"

	"github.com/selivandex/market-etl/pkg/models"
)

// Store is the persistence boundary consumed by the ingestion orchestrator.
// LoadOrCreateCheckpoint and MarkCheckpointFailed each commit on their own;
// everything else happens inside WithinTx.
type Store interface {
	// LoadOrCreateCheckpoint returns the checkpoint of a source, creating it with cursor 0 if absent.
	LoadOrCreateCheckpoint(ctx context.Context, sourceID string) (*models.Checkpoint, error)

	// MarkCheckpointFailed sets status FAILED and the run time, leaving the cursor untouched.
	MarkCheckpointFailed(ctx context.Context, sourceID string, at time.Time) error

	// WithinTx runs fn in one transaction. It commits if fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of writes a single ingestion run performs atomically.
type Tx interface {
	CheckpointTx
	RawArchive
	CanonicalTx
}

// CheckpointTx reads and writes checkpoints inside a transaction.
type CheckpointTx interface {
	// GetCheckpointForUpdate locks and returns the checkpoint. Returns ErrNotFound if absent.
	GetCheckpointForUpdate(ctx context.Context, sourceID string) (*models.Checkpoint, error)

	// UpdateCheckpoint overwrites cursor, status, run time and metadata. Returns ErrNotFound if absent.
	UpdateCheckpoint(ctx context.Context, cp *models.Checkpoint) error
}

// RawArchive is the append-only store of provider payloads.
type RawArchive interface {
	// AppendRaw stores a raw record and fills its ID.
	AppendRaw(ctx context.Context, rec *models.RawRecord) error
}

// CanonicalTx reads and writes canonical assets inside a transaction.
type CanonicalTx interface {
	// GetCanonicalForUpdate locks and returns the asset for a normalized symbol. Returns ErrNotFound if absent.
	GetCanonicalForUpdate(ctx context.Context, symbol string) (*models.CanonicalAsset, error)

	// InsertCanonical creates a new asset and fills its ID. Returns ErrDuplicateKey if the symbol exists.
	InsertCanonical(ctx context.Context, asset *models.CanonicalAsset) error

	// UpdateCanonical overwrites the mutable fields of an existing asset. Returns ErrNotFound if absent.
	UpdateCanonical(ctx context.Context, asset *models.CanonicalAsset) error
}

// CanonicalQuery selects a page of canonical assets.
type CanonicalQuery struct {
	Page   int    // 1-based
	Limit  int    // rows per page
	Source string // optional: only assets carrying this provider's sub-record
}

// Offset returns the number of rows to skip
func (q CanonicalQuery) Offset() int {
	if q.Page < 1 {
		return 0
	}
	return (q.Page - 1) * q.Limit
}

// ReadStore is the read-only view served by the API.
type ReadStore interface {
	// ListCanonical returns one page of assets ordered by symbol.
	ListCanonical(ctx context.Context, q CanonicalQuery) ([]*models.CanonicalAsset, error)

	// CountCanonical returns the number of canonical assets.
	CountCanonical(ctx context.Context) (int64, error)

	// ListCheckpoints returns all checkpoints ordered by source id.
	ListCheckpoints(ctx context.Context) ([]*models.Checkpoint, error)

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error
}
