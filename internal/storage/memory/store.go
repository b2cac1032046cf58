// Package memory provides an in-memory implementation of the storage contracts.
// Transactions are serialized by a single mutex and applied to a staged copy,
// so a failed transaction leaves no trace.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/selivandex/market-etl/internal/storage"
	"github.com/selivandex/market-etl/pkg/models"
)

type state struct {
	checkpoints map[string]*models.Checkpoint
	canonical   map[string]*models.CanonicalAsset // keyed by normalized symbol
	raw         []*models.RawRecord
	nextRawID   int64
	nextAssetID int64
}

func newState() *state {
	return &state{
		checkpoints: make(map[string]*models.Checkpoint),
		canonical:   make(map[string]*models.CanonicalAsset),
		nextRawID:   1,
		nextAssetID: 1,
	}
}

func (s *state) clone() *state {
	out := &state{
		checkpoints: make(map[string]*models.Checkpoint, len(s.checkpoints)),
		canonical:   make(map[string]*models.CanonicalAsset, len(s.canonical)),
		raw:         make([]*models.RawRecord, len(s.raw)),
		nextRawID:   s.nextRawID,
		nextAssetID: s.nextAssetID,
	}
	for k, v := range s.checkpoints {
		cp := *v
		out.checkpoints[k] = &cp
	}
	for k, v := range s.canonical {
		out.canonical[k] = v.Clone()
	}
	copy(out.raw, s.raw)
	return out
}

// Store is an in-memory implementation of storage.Store and storage.ReadStore.
type Store struct {
	mu    sync.Mutex
	data  *state
	clock func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{data: newState(), clock: time.Now}
}

// LoadOrCreateCheckpoint returns the checkpoint of a source, creating it with cursor 0 if absent.
func (s *Store) LoadOrCreateCheckpoint(_ context.Context, sourceID string) (*models.Checkpoint, error) {
	if sourceID == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.data.checkpoints[sourceID]
	if !ok {
		cp = models.NewCheckpoint(sourceID, s.clock())
		s.data.checkpoints[sourceID] = cp
	}

	out := *cp
	return &out, nil
}

// MarkCheckpointFailed sets status FAILED and the run time, leaving the cursor untouched.
func (s *Store) MarkCheckpointFailed(_ context.Context, sourceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.data.checkpoints[sourceID]
	if !ok {
		return storage.ErrNotFound
	}
	cp.Status = models.StatusFailed
	cp.LastRunAt = at
	return nil
}

// WithinTx runs fn against a staged copy and publishes it only if fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	staged := s.data.clone()
	if err := fn(ctx, &tx{data: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.data = staged
	return nil
}

// ListCanonical returns one page of assets ordered by symbol.
func (s *Store) ListCanonical(_ context.Context, q storage.CanonicalQuery) ([]*models.CanonicalAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*models.CanonicalAsset
	for _, a := range s.data.canonical {
		if q.Source != "" {
			if _, ok := a.ProviderData[q.Source]; !ok {
				continue
			}
		}
		all = append(all, a.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Symbol < all[j].Symbol })

	offset := q.Offset()
	if offset >= len(all) {
		return []*models.CanonicalAsset{}, nil
	}
	end := len(all)
	if q.Limit > 0 && offset+q.Limit < end {
		end = offset + q.Limit
	}
	return all[offset:end], nil
}

// CountCanonical returns the number of canonical assets.
func (s *Store) CountCanonical(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.data.canonical)), nil
}

// ListCheckpoints returns all checkpoints ordered by source id.
func (s *Store) ListCheckpoints(_ context.Context) ([]*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Checkpoint, 0, len(s.data.checkpoints))
	for _, cp := range s.data.checkpoints {
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// RawRecords returns archived records of a source in insertion order. Empty source returns all.
func (s *Store) RawRecords(sourceID string) []*models.RawRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.RawRecord
	for _, r := range s.data.raw {
		if sourceID == "" || r.SourceID == sourceID {
			rec := *r
			out = append(out, &rec)
		}
	}
	return out
}

// Canonical returns the asset stored for a symbol, or nil.
func (s *Store) Canonical(symbol string) *models.CanonicalAsset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.canonical[models.NormalizeSymbol(symbol)].Clone()
}

type tx struct {
	data *state
}

func (t *tx) GetCheckpointForUpdate(_ context.Context, sourceID string) (*models.Checkpoint, error) {
	cp, ok := t.data.checkpoints[sourceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *cp
	return &out, nil
}

func (t *tx) UpdateCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	if cp == nil {
		return storage.ErrInvalidInput
	}
	if _, ok := t.data.checkpoints[cp.SourceID]; !ok {
		return storage.ErrNotFound
	}
	stored := *cp
	t.data.checkpoints[cp.SourceID] = &stored
	return nil
}

func (t *tx) AppendRaw(_ context.Context, rec *models.RawRecord) error {
	if rec == nil || rec.SourceID == "" {
		return storage.ErrInvalidInput
	}
	rec.ID = t.data.nextRawID
	t.data.nextRawID++

	stored := *rec
	stored.Payload = append([]byte(nil), rec.Payload...)
	t.data.raw = append(t.data.raw, &stored)
	return nil
}

func (t *tx) GetCanonicalForUpdate(_ context.Context, symbol string) (*models.CanonicalAsset, error) {
	a, ok := t.data.canonical[models.NormalizeSymbol(symbol)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return a.Clone(), nil
}

func (t *tx) InsertCanonical(_ context.Context, asset *models.CanonicalAsset) error {
	if asset == nil || models.NormalizeSymbol(asset.Symbol) == "" {
		return storage.ErrInvalidInput
	}
	key := models.NormalizeSymbol(asset.Symbol)
	if _, exists := t.data.canonical[key]; exists {
		return storage.ErrDuplicateKey
	}

	asset.ID = t.data.nextAssetID
	t.data.nextAssetID++

	stored := asset.Clone()
	stored.Symbol = key
	t.data.canonical[key] = stored
	return nil
}

func (t *tx) UpdateCanonical(_ context.Context, asset *models.CanonicalAsset) error {
	if asset == nil {
		return storage.ErrInvalidInput
	}
	key := models.NormalizeSymbol(asset.Symbol)
	existing, ok := t.data.canonical[key]
	if !ok {
		return storage.ErrNotFound
	}

	stored := asset.Clone()
	stored.ID = existing.ID
	stored.Symbol = key
	t.data.canonical[key] = stored
	return nil
}
