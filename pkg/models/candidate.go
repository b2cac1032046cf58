package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CanonicalCandidate is the normalized form of one raw record.
// It only drives the merge step and is never persisted.
type CanonicalCandidate struct {
	ExternalID string
	SourceID   string
	Symbol     string
	Name       string
	PriceUSD   decimal.Decimal
	MarketCap  decimal.NullDecimal
	ObservedAt time.Time
}

// NewDecimal creates decimal from float64
func NewDecimal(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value)
}

// NewNullDecimal wraps a value as a valid nullable decimal
func NewNullDecimal(value float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromFloat(value))
}
