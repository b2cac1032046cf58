// Package ingestion runs one checkpointed fetch, archive, normalize, merge and
// commit cycle per source. Everything a run writes is committed in a single
// transaction together with the advanced checkpoint.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/market-etl/internal/adapters/source"
	"github.com/selivandex/market-etl/internal/storage"
	"github.com/selivandex/market-etl/pkg/logger"
	"github.com/selivandex/market-etl/pkg/models"
)

const failureMarkTimeout = 5 * time.Second

// Recorder receives run metrics
type Recorder interface {
	RunFinished(sourceID string, status models.RunStatus, elapsed time.Duration)
	RecordsFetched(sourceID string, n int)
	RecordsMerged(sourceID string, n int)
	RecordsSkipped(sourceID string, n int)
	CursorAdvanced(sourceID string, cursor int64)
}

// Mirror receives raw records after they are committed
type Mirror interface {
	Enqueue(records []*models.RawRecord)
}

// Invalidator drops cached read results after a commit
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Options configures an Orchestrator. Store is required; the rest default to no-ops.
type Options struct {
	Store       storage.Store
	Locker      Locker
	Recorder    Recorder
	Mirror      Mirror
	Invalidator Invalidator
	Clock       func() time.Time
}

// RunResult summarizes one run
type RunResult struct {
	SourceID    string
	StartCursor int64
	NextCursor  int64
	Fetched     int
	Archived    int
	Merged      int
	Skipped     int
	Throttled   bool
	Status      models.RunStatus
	Duration    time.Duration
}

// Orchestrator executes ingestion runs
type Orchestrator struct {
	store       storage.Store
	locker      Locker
	recorder    Recorder
	mirror      Mirror
	invalidator Invalidator
	now         func() time.Time
}

// New creates new orchestrator
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:       opts.Store,
		locker:      opts.Locker,
		recorder:    opts.Recorder,
		mirror:      opts.Mirror,
		invalidator: opts.Invalidator,
		now:         opts.Clock,
	}
	if o.locker == nil {
		o.locker = NewLocalLocker()
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Run performs one ingestion run of src.
// On a fatal error the checkpoint is marked FAILED with its cursor unchanged
// and the error is returned together with a FAILED result. A run that finds
// the checkpoint advanced by a concurrent run commits nothing, leaves the
// checkpoint as that run wrote it and returns ErrRunInProgress.
func (o *Orchestrator) Run(ctx context.Context, src source.Source) (*RunResult, error) {
	sourceID := src.ID()
	started := o.now()
	log := logger.With(zap.String("source", sourceID))

	release, err := o.locker.Acquire(ctx, sourceID)
	if err != nil {
		log.Warn("ingestion_skipped", zap.Error(err))
		return nil, err
	}
	defer release()

	log.Info("ingestion_start")

	cp, err := o.store.LoadOrCreateCheckpoint(ctx, sourceID)
	if err != nil {
		result := &RunResult{SourceID: sourceID}
		return o.finishFailed(log, result, started, &PersistenceError{Source: sourceID, Op: "load checkpoint", Err: err})
	}

	result := &RunResult{
		SourceID:    sourceID,
		StartCursor: cp.Cursor,
		NextCursor:  cp.Cursor,
	}

	batch, err := src.Fetch(ctx, cp.Cursor)
	if err != nil {
		return o.fail(ctx, log, result, started, &FetchError{Source: sourceID, Cursor: cp.Cursor, Err: err})
	}
	if batch == nil {
		batch = &source.Batch{NextCursor: cp.Cursor}
	}

	result.Fetched = len(batch.Records)
	result.Throttled = batch.Throttled
	o.recorder.RecordsFetched(sourceID, result.Fetched)

	if batch.Empty() {
		log.Info("no_new_data",
			zap.Int64("cursor", cp.Cursor),
			zap.Bool("throttled", batch.Throttled),
		)
		return o.finishSuccess(log, result, started), nil
	}

	var archived []*models.RawRecord
	var merged, skipped int

	err = o.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		archived, merged, skipped = nil, 0, 0
		var candidates []*models.CanonicalCandidate

		locked, err := tx.GetCheckpointForUpdate(ctx, sourceID)
		if err != nil {
			return err
		}
		if locked.Cursor != cp.Cursor {
			return ErrCheckpointMoved
		}

		for _, raw := range batch.Records {
			rec := &models.RawRecord{SourceID: sourceID, Payload: raw, IngestedAt: started}
			if err := tx.AppendRaw(ctx, rec); err != nil {
				return err
			}
			archived = append(archived, rec)

			candidate, err := src.Normalize(raw)
			if err != nil {
				var nerr *source.NormalizationError
				if !errors.As(err, &nerr) {
					return err
				}
				skipped++
				log.Warn("normalization_error", zap.Int64("raw_id", rec.ID), zap.Error(err))
				continue
			}

			candidate.SourceID = sourceID
			if candidate.ObservedAt.IsZero() {
				candidate.ObservedAt = started
			}
			candidates = append(candidates, candidate)
		}

		// rows are locked in symbol order so concurrent sources cannot deadlock
		sort.SliceStable(candidates, func(i, j int) bool {
			return models.NormalizeSymbol(candidates[i].Symbol) < models.NormalizeSymbol(candidates[j].Symbol)
		})
		for _, candidate := range candidates {
			if err := mergeIntoStore(ctx, tx, candidate, started); err != nil {
				return err
			}
			merged++
		}

		locked.Cursor = batch.NextCursor
		locked.Status = models.StatusSuccess
		locked.LastRunAt = started
		locked.Metadata = models.Metadata{
			"fetched": len(batch.Records),
			"merged":  merged,
			"skipped": skipped,
		}

		return tx.UpdateCheckpoint(ctx, locked)
	})
	if errors.Is(err, ErrCheckpointMoved) {
		// another run of this source committed first; its status stands
		log.Warn("ingestion_superseded",
			zap.Int64("cursor", cp.Cursor),
			zap.Int("fetched", result.Fetched),
		)
		return nil, fmt.Errorf("%w: %w", ErrRunInProgress, ErrCheckpointMoved)
	}
	if err != nil {
		return o.fail(ctx, log, result, started, &PersistenceError{Source: sourceID, Op: "commit run", Err: err})
	}

	result.NextCursor = batch.NextCursor
	result.Archived = len(archived)
	result.Merged = merged
	result.Skipped = skipped
	o.recorder.RecordsMerged(sourceID, merged)
	o.recorder.RecordsSkipped(sourceID, skipped)
	o.recorder.CursorAdvanced(sourceID, result.NextCursor)

	if o.mirror != nil {
		o.mirror.Enqueue(archived)
	}
	if o.invalidator != nil {
		if err := o.invalidator.Invalidate(ctx); err != nil {
			log.Warn("failed to invalidate read cache", zap.Error(err))
		}
	}

	return o.finishSuccess(log, result, started), nil
}

// fail records FAILED in its own transaction. The caller's context may
// already be cancelled, so the mark runs detached with a short timeout.
func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, result *RunResult, started time.Time, cause error) (*RunResult, error) {
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureMarkTimeout)
	defer cancel()

	if err := o.store.MarkCheckpointFailed(markCtx, result.SourceID, o.now()); err != nil {
		log.Error("failed to mark checkpoint failed", zap.Error(err))
	}

	return o.finishFailed(log, result, started, cause)
}

func (o *Orchestrator) finishFailed(log *zap.Logger, result *RunResult, started time.Time, cause error) (*RunResult, error) {
	result.Status = models.StatusFailed
	result.NextCursor = result.StartCursor
	result.Duration = o.now().Sub(started)
	o.recorder.RunFinished(result.SourceID, result.Status, result.Duration)

	log.Error("ingestion_failed",
		zap.Int64("cursor", result.StartCursor),
		zap.Duration("duration", result.Duration),
		zap.Error(cause),
	)

	return result, cause
}

func (o *Orchestrator) finishSuccess(log *zap.Logger, result *RunResult, started time.Time) *RunResult {
	result.Status = models.StatusSuccess
	result.Duration = o.now().Sub(started)
	o.recorder.RunFinished(result.SourceID, result.Status, result.Duration)

	if result.Fetched > 0 {
		log.Info("ingestion_success",
			zap.Int("records", result.Fetched),
			zap.Int("merged", result.Merged),
			zap.Int("skipped", result.Skipped),
			zap.Int64("cursor", result.NextCursor),
			zap.Duration("duration", result.Duration),
		)
	}

	return result
}

type nopRecorder struct{}

func (nopRecorder) RunFinished(string, models.RunStatus, time.Duration) {}
func (nopRecorder) RecordsFetched(string, int) {}
func (nopRecorder) RecordsMerged(string, int) {}
func (nopRecorder) RecordsSkipped(string, int) {}
func (nopRecorder) CursorAdvanced(string, int64) {}
