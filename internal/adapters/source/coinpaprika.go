package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/selivandex/market-etl/internal/adapters/config"
	"github.com/selivandex/market-etl/pkg/logger"
	"github.com/selivandex/market-etl/pkg/models"
)

// CoinPaprika downloads the full /tickers list and pages through it locally.
// The cursor is an offset into that list.
type CoinPaprika struct {
	id        string
	baseURL   string
	batchSize int
	client    *http.Client
}

// NewCoinPaprika creates new CoinPaprika tickers source
func NewCoinPaprika(cfg config.CoinPaprikaConfig) *CoinPaprika {
	return &CoinPaprika{
		id:        cfg.SourceID,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		batchSize: cfg.BatchSize,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

func (cp *CoinPaprika) ID() string {
	return cp.id
}

// Fetch returns tickers[cursor : cursor+batchSize]
func (cp *CoinPaprika) Fetch(ctx context.Context, cursor int64) (*Batch, error) {
	if cursor < 0 {
		return nil, fmt.Errorf("invalid cursor %d", cursor)
	}

	status, body, err := doGet(ctx, cp.client, cp.baseURL+"/tickers", nil)
	if err != nil {
		return nil, err
	}

	if status == http.StatusTooManyRequests || status == http.StatusPaymentRequired {
		logger.Warn("coinpaprika throttled",
			zap.String("source", cp.id),
			zap.Int("status", status),
			zap.Int64("cursor", cursor),
		)
		return noProgress(cursor, true), nil
	}
	if !isSuccess(status) {
		return nil, apiError(status, body)
	}

	var tickers []json.RawMessage
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	total := int64(len(tickers))
	if cursor >= total {
		return noProgress(cursor, false), nil
	}

	end := cursor + int64(cp.batchSize)
	if end > total {
		end = total
	}

	return &Batch{Records: tickers[cursor:end], NextCursor: end}, nil
}

type coinPaprikaTicker struct {
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	Name        string     `json:"name"`
	LastUpdated *time.Time `json:"last_updated"`
	Quotes      struct {
		USD *struct {
			Price     *decimal.Decimal `json:"price"`
			MarketCap *decimal.Decimal `json:"market_cap"`
		} `json:"USD"`
	} `json:"quotes"`
}

// Normalize converts one /tickers entry. A missing last_updated leaves
// ObservedAt zero for the caller to stamp.
func (cp *CoinPaprika) Normalize(raw json.RawMessage) (*models.CanonicalCandidate, error) {
	var t coinPaprikaTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, &NormalizationError{Source: cp.id, Reason: err.Error()}
	}

	switch {
	case strings.TrimSpace(t.ID) == "":
		return nil, missingField(cp.id, "id")
	case models.NormalizeSymbol(t.Symbol) == "":
		return nil, missingField(cp.id, "symbol")
	case strings.TrimSpace(t.Name) == "":
		return nil, missingField(cp.id, "name")
	case t.Quotes.USD == nil || t.Quotes.USD.Price == nil:
		return nil, missingField(cp.id, "quotes.USD.price")
	case t.Quotes.USD.Price.IsNegative():
		return nil, &NormalizationError{Source: cp.id, Field: "quotes.USD.price", Reason: "negative"}
	}

	candidate := &models.CanonicalCandidate{
		ExternalID: t.ID,
		SourceID:   cp.id,
		Symbol:     models.NormalizeSymbol(t.Symbol),
		Name:       t.Name,
		PriceUSD:   *t.Quotes.USD.Price,
	}
	if t.Quotes.USD.MarketCap != nil {
		candidate.MarketCap = decimal.NewNullDecimal(*t.Quotes.USD.MarketCap)
	}
	if t.LastUpdated != nil {
		candidate.ObservedAt = t.LastUpdated.UTC()
	}

	return candidate, nil
}
