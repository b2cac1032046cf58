package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/market-etl/internal/adapters/config"
)

func tickersJSON(n int) string {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf(`{"id":"coin-%d","symbol":"c%d","name":"Coin %d","quotes":{"USD":{"price":%d}}}`, i, i, i, i+1)
	}
	return "[" + strings.Join(items, ",") + "]"
}

func newTestCoinPaprika(url string, batch int) *CoinPaprika {
	return NewCoinPaprika(config.CoinPaprikaConfig{
		SourceID:  "coinpaprika_free",
		BaseURL:   url,
		BatchSize: batch,
		Timeout:   2 * time.Second,
	})
}

func TestCoinPaprika_LocalPagination(t *testing.T) {
	body := tickersJSON(120)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tickers", r.URL.Path)
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	cp := newTestCoinPaprika(srv.URL, 50)
	ctx := context.Background()

	cursor := int64(0)
	var sizes []int
	var cursors []int64
	for i := 0; i < 4; i++ {
		batch, err := cp.Fetch(ctx, cursor)
		require.NoError(t, err)
		sizes = append(sizes, len(batch.Records))
		cursor = batch.NextCursor
		cursors = append(cursors, cursor)
	}

	assert.Equal(t, []int{50, 50, 20, 0}, sizes)
	assert.Equal(t, []int64{50, 100, 120, 120}, cursors)
}

func TestCoinPaprika_FetchThrottled(t *testing.T) {
	for _, status := range []int{http.StatusPaymentRequired, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			batch, err := newTestCoinPaprika(srv.URL, 50).Fetch(context.Background(), 50)
			require.NoError(t, err)
			assert.True(t, batch.Empty())
			assert.True(t, batch.Throttled)
			assert.Equal(t, int64(50), batch.NextCursor)
		})
	}
}

func TestCoinPaprika_FetchFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestCoinPaprika(srv.URL, 50).Fetch(context.Background(), 0)
	assert.Error(t, err)

	_, err = newTestCoinPaprika(srv.URL, 50).Fetch(context.Background(), -1)
	assert.Error(t, err)
}

func TestCoinPaprika_Normalize(t *testing.T) {
	cp := newTestCoinPaprika("http://unused", 50)

	candidate, err := cp.Normalize(json.RawMessage(`{
		"id": "btc-bitcoin",
		"symbol": "BTC",
		"name": "Bitcoin",
		"last_updated": "2024-03-01T12:00:00Z",
		"quotes": {"USD": {"price": 50010.5, "market_cap": 990000000}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "btc-bitcoin", candidate.ExternalID)
	assert.Equal(t, "coinpaprika_free", candidate.SourceID)
	assert.Equal(t, "BTC", candidate.Symbol)
	assert.True(t, candidate.PriceUSD.Equal(decimal.RequireFromString("50010.5")))
	assert.True(t, candidate.MarketCap.Valid)
	assert.False(t, candidate.ObservedAt.IsZero())

	bare, err := cp.Normalize(json.RawMessage(`{"id":"x","symbol":"x","name":"X","quotes":{"USD":{"price":1}}}`))
	require.NoError(t, err)
	assert.False(t, bare.MarketCap.Valid)
	assert.True(t, bare.ObservedAt.IsZero())

	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"no quotes", `{"id":"x","symbol":"x","name":"X"}`, "quotes.USD.price"},
		{"no usd price", `{"id":"x","symbol":"x","name":"X","quotes":{"USD":{}}}`, "quotes.USD.price"},
		{"negative price", `{"id":"x","symbol":"x","name":"X","quotes":{"USD":{"price":-3}}}`, "quotes.USD.price"},
		{"missing symbol", `{"id":"x","name":"X","quotes":{"USD":{"price":1}}}`, "symbol"},
		{"missing id", `{"symbol":"x","name":"X","quotes":{"USD":{"price":1}}}`, "id"},
		{"malformed json", `{"id":`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cp.Normalize(json.RawMessage(tt.raw))
			var nerr *NormalizationError
			require.True(t, errors.As(err, &nerr), "expected NormalizationError, got %v", err)
			assert.Equal(t, tt.field, nerr.Field)
		})
	}
}
