package models

import (
	"encoding/json"
	"time"
)

// RawRecord is an append-only copy of one provider response unit
type RawRecord struct {
	ID         int64           `db:"id" json:"id"`
	SourceID   string          `db:"source_id" json:"source_id"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	IngestedAt time.Time       `db:"ingested_at" json:"ingested_at"`
}
