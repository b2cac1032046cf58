package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CanonicalAsset is the single deduplicated record of one asset across all providers
type CanonicalAsset struct {
	ID           int64               `db:"id" json:"id"`
	Symbol       string              `db:"symbol" json:"symbol"`
	Name         string              `db:"name" json:"name"`
	PriceUSD     decimal.Decimal     `db:"price_usd" json:"price_usd"`
	MarketCap    decimal.NullDecimal `db:"market_cap" json:"market_cap"`
	ProviderData ProviderData        `db:"provider_data" json:"provider_data"`
	LastUpdated  time.Time           `db:"last_updated" json:"last_updated"`
	ProcessedAt  time.Time           `db:"processed_at" json:"processed_at"`
}

// Clone returns a deep copy so stored rows never alias caller memory
func (a *CanonicalAsset) Clone() *CanonicalAsset {
	if a == nil {
		return nil
	}
	out := *a
	out.ProviderData = a.ProviderData.Clone()
	return &out
}

// ProviderEntry is one provider's last observation of an asset
type ProviderEntry struct {
	PriceUSD   decimal.Decimal `json:"price_usd"`
	ObservedAt time.Time       `json:"observed_at"`
}

// ProviderData maps source id to that source's last observation.
// Entries are only ever replaced per key, never removed.
type ProviderData map[string]ProviderEntry

// Clone copies the map
func (p ProviderData) Clone() ProviderData {
	out := make(ProviderData, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Sources returns the source ids present in the map
func (p ProviderData) Sources() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	return out
}

// Value implements driver.Valuer
func (p ProviderData) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (p *ProviderData) Scan(src any) error {
	raw, err := jsonBytes(src)
	if err != nil {
		return err
	}
	out := ProviderData{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("failed to decode provider data: %w", err)
		}
	}
	*p = out
	return nil
}

// NormalizeSymbol produces the deduplication key for an asset symbol
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
