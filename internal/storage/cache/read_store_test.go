package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/market-etl/internal/storage"
	"github.com/selivandex/market-etl/pkg/models"
)

type mockReadStore struct {
	listCalls  int
	countCalls int
	assets     []*models.CanonicalAsset
	err        error
}

func (m *mockReadStore) ListCanonical(context.Context, storage.CanonicalQuery) ([]*models.CanonicalAsset, error) {
	m.listCalls++
	return m.assets, m.err
}

func (m *mockReadStore) CountCanonical(context.Context) (int64, error) {
	m.countCalls++
	return int64(len(m.assets)), m.err
}

func (m *mockReadStore) ListCheckpoints(context.Context) ([]*models.Checkpoint, error) {
	return []*models.Checkpoint{{SourceID: "a", Status: models.StatusSuccess}}, nil
}

func (m *mockReadStore) Ping(context.Context) error { return nil }

func sampleAssets() []*models.CanonicalAsset {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []*models.CanonicalAsset{{
		ID:          1,
		Symbol:      "BTC",
		Name:        "Bitcoin",
		PriceUSD:    models.NewDecimal(100),
		MarketCap:   models.NewNullDecimal(1000),
		LastUpdated: ts,
		ProcessedAt: ts,
		ProviderData: models.ProviderData{
			"a": {PriceUSD: models.NewDecimal(100), ObservedAt: ts},
		},
	}}
}

func TestNewReadStore_Defaults(t *testing.T) {
	s := NewReadStore(nil, 0, &mockReadStore{}, "")
	assert.Equal(t, 30*time.Second, s.ttl)
	assert.Equal(t, "etl", s.namespace)

	s = NewReadStore(nil, time.Minute, &mockReadStore{}, "custom")
	assert.Equal(t, time.Minute, s.ttl)
	assert.Equal(t, "custom", s.namespace)
}

func TestReadStore_NilRedisBypasses(t *testing.T) {
	ctx := context.Background()
	inner := &mockReadStore{assets: sampleAssets()}
	s := NewReadStore(nil, time.Minute, inner, "etl")

	for i := 0; i < 2; i++ {
		assets, err := s.ListCanonical(ctx, storage.CanonicalQuery{Page: 1, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, assets, 1)
	}
	assert.Equal(t, 2, inner.listCalls)
	assert.NoError(t, s.Invalidate(ctx))
	assert.NoError(t, s.Ping(ctx))
}

func TestReadStore_CacheHit(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	defer func() { _ = rdb.Close() }()

	cached, err := json.Marshal(sampleAssets())
	require.NoError(t, err)
	mock.ExpectGet("etl:data:1:10:a").SetVal(string(cached))

	inner := &mockReadStore{}
	s := NewReadStore(rdb, time.Minute, inner, "etl")

	assets, err := s.ListCanonical(ctx, storage.CanonicalQuery{Page: 1, Limit: 10, Source: "a"})
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "BTC", assets[0].Symbol)
	assert.True(t, assets[0].PriceUSD.Equal(models.NewDecimal(100)))
	assert.Contains(t, assets[0].ProviderData, "a")
	assert.Zero(t, inner.listCalls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadStore_CacheMissStores(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	defer func() { _ = rdb.Close() }()

	inner := &mockReadStore{assets: sampleAssets()}
	s := NewReadStore(rdb, time.Minute, inner, "etl")

	encoded, err := json.Marshal(int64(1))
	require.NoError(t, err)
	mock.ExpectGet("etl:count").RedisNil()
	mock.ExpectSet("etl:count", encoded, time.Minute).SetVal("OK")

	count, err := s.CountCanonical(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 1, inner.countCalls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadStore_CorruptedEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	defer func() { _ = rdb.Close() }()

	inner := &mockReadStore{assets: sampleAssets()}
	s := NewReadStore(rdb, time.Minute, inner, "etl")

	encoded, err := json.Marshal(int64(1))
	require.NoError(t, err)
	mock.ExpectGet("etl:count").SetVal("not json")
	mock.ExpectDel("etl:count").SetVal(1)
	mock.ExpectSet("etl:count", encoded, time.Minute).SetVal("OK")

	count, err := s.CountCanonical(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadStore_InnerErrorNotCached(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	defer func() { _ = rdb.Close() }()

	boom := errors.New("db down")
	s := NewReadStore(rdb, time.Minute, &mockReadStore{err: boom}, "etl")

	mock.ExpectGet("etl:data:2:5:").RedisNil()

	_, err := s.ListCanonical(ctx, storage.CanonicalQuery{Page: 2, Limit: 5})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadStore_Invalidate(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	defer func() { _ = rdb.Close() }()

	s := NewReadStore(rdb, time.Minute, &mockReadStore{}, "etl")

	mock.ExpectScan(0, "etl:*", 200).SetVal([]string{"etl:count", "etl:data:1:20:"}, 7)
	mock.ExpectDel("etl:count", "etl:data:1:20:").SetVal(2)
	mock.ExpectScan(7, "etl:*", 200).SetVal([]string{}, 0)

	require.NoError(t, s.Invalidate(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadStore_CheckpointsReadThrough(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	defer func() { _ = rdb.Close() }()

	s := NewReadStore(rdb, time.Minute, &mockReadStore{}, "etl")
	cps, err := s.ListCheckpoints(context.Background())
	require.NoError(t, err)
	assert.Len(t, cps, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDataKey_DistinctSources(t *testing.T) {
	keys := map[string]string{}
	for _, src := range []string{"a b", "a:b", "a_b", "a+b", "a%20b", ""} {
		key := dataKey("etl", storage.CanonicalQuery{Page: 1, Limit: 20, Source: src})
		if prev, ok := keys[key]; ok {
			t.Fatalf("sources %q and %q share cache key %q", prev, src, key)
		}
		keys[key] = src
	}
	assert.Equal(t, "etl:data:1:20:a%3Ab", dataKey("etl", storage.CanonicalQuery{Page: 1, Limit: 20, Source: "a:b"}))
}
