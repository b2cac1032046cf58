package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/selivandex/market-etl/internal/adapters/config"
	"github.com/selivandex/market-etl/pkg/logger"
	"github.com/selivandex/market-etl/pkg/models"
)

// CoinGecko reads the /coins/markets endpoint page by page.
// The cursor counts pages already consumed.
type CoinGecko struct {
	id      string
	baseURL string
	apiKey  string
	perPage int
	client  *http.Client
}

// NewCoinGecko creates new CoinGecko markets source
func NewCoinGecko(cfg config.CoinGeckoConfig) *CoinGecko {
	return &CoinGecko{
		id:      cfg.SourceID,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		perPage: cfg.PerPage,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (cg *CoinGecko) ID() string {
	return cg.id
}

// Fetch requests page cursor+1
func (cg *CoinGecko) Fetch(ctx context.Context, cursor int64) (*Batch, error) {
	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("order", "market_cap_desc")
	params.Set("per_page", strconv.Itoa(cg.perPage))
	params.Set("page", strconv.FormatInt(cursor+1, 10))
	params.Set("sparkline", "false")

	header := http.Header{}
	if cg.apiKey != "" {
		header.Set("x-cg-demo-api-key", cg.apiKey)
	}

	status, body, err := doGet(ctx, cg.client, cg.baseURL+"/coins/markets?"+params.Encode(), header)
	if err != nil {
		return nil, err
	}

	if status == http.StatusTooManyRequests {
		logger.Warn("coingecko rate limited",
			zap.String("source", cg.id),
			zap.Int64("cursor", cursor),
		)
		return noProgress(cursor, true), nil
	}
	if !isSuccess(status) {
		return nil, apiError(status, body)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(records) == 0 {
		return noProgress(cursor, false), nil
	}

	return &Batch{Records: records, NextCursor: cursor + 1}, nil
}

type coinGeckoMarket struct {
	ID           string           `json:"id"`
	Symbol       string           `json:"symbol"`
	Name         string           `json:"name"`
	CurrentPrice *decimal.Decimal `json:"current_price"`
	MarketCap    *decimal.Decimal `json:"market_cap"`
	LastUpdated  *time.Time       `json:"last_updated"`
}

// Normalize converts one /coins/markets entry
func (cg *CoinGecko) Normalize(raw json.RawMessage) (*models.CanonicalCandidate, error) {
	var m coinGeckoMarket
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &NormalizationError{Source: cg.id, Reason: err.Error()}
	}

	switch {
	case strings.TrimSpace(m.ID) == "":
		return nil, missingField(cg.id, "id")
	case models.NormalizeSymbol(m.Symbol) == "":
		return nil, missingField(cg.id, "symbol")
	case strings.TrimSpace(m.Name) == "":
		return nil, missingField(cg.id, "name")
	case m.CurrentPrice == nil:
		return nil, missingField(cg.id, "current_price")
	case m.CurrentPrice.IsNegative():
		return nil, &NormalizationError{Source: cg.id, Field: "current_price", Reason: "negative"}
	case m.LastUpdated == nil:
		return nil, missingField(cg.id, "last_updated")
	}

	candidate := &models.CanonicalCandidate{
		ExternalID: m.ID,
		SourceID:   cg.id,
		Symbol:     models.NormalizeSymbol(m.Symbol),
		Name:       m.Name,
		PriceUSD:   *m.CurrentPrice,
		ObservedAt: m.LastUpdated.UTC(),
	}
	if m.MarketCap != nil {
		candidate.MarketCap = decimal.NewNullDecimal(*m.MarketCap)
	}

	return candidate, nil
}
