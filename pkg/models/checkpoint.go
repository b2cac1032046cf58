package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is the outcome of the last ingestion run of a source
type RunStatus string

const (
	StatusSuccess RunStatus = "SUCCESS"
	StatusFailed  RunStatus = "FAILED"
)

// Checkpoint is the durable per-source ingestion progress.
// Cursor is opaque to everything except the source adapter that produced it.
type Checkpoint struct {
	SourceID  string    `db:"source_id" json:"source"`
	Cursor    int64     `db:"last_processed_offset" json:"offset"`
	LastRunAt time.Time `db:"last_run_timestamp" json:"last_run"`
	Status    RunStatus `db:"status" json:"status"`
	Metadata  Metadata  `db:"metadata" json:"metadata,omitempty"`
}

// NewCheckpoint returns the initial checkpoint of a source that never ran
func NewCheckpoint(sourceID string, now time.Time) *Checkpoint {
	return &Checkpoint{
		SourceID:  sourceID,
		Cursor:    0,
		LastRunAt: now,
		Status:    StatusSuccess,
		Metadata:  Metadata{},
	}
}

// Metadata is a free-form JSON object stored next to a checkpoint
type Metadata map[string]any

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src any) error {
	raw, err := jsonBytes(src)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		*m = Metadata{}
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode checkpoint metadata: %w", err)
	}
	*m = out
	return nil
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported json column type %T", src)
	}
}
