package workers

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/market-etl/internal/adapters/source"
	"github.com/selivandex/market-etl/internal/ingestion"
	"github.com/selivandex/market-etl/pkg/logger"
)

// Runner executes one ingestion run
type Runner interface {
	Run(ctx context.Context, src source.Source) (*ingestion.RunResult, error)
}

// IngestionWorker runs the orchestrator for one source.
// Called periodically by pkg/worker.PeriodicWorker.
type IngestionWorker struct {
	runner  Runner
	source  source.Source
	timeout time.Duration
}

// NewIngestionWorker creates new ingestion worker
func NewIngestionWorker(runner Runner, src source.Source, timeout time.Duration) *IngestionWorker {
	return &IngestionWorker{
		runner:  runner,
		source:  src,
		timeout: timeout,
	}
}

// Name returns worker name
func (w *IngestionWorker) Name() string {
	return "ingestion:" + w.source.ID()
}

// Run executes one ingestion run bounded by the run timeout.
// A run skipped because another holds the source lock is not an error.
func (w *IngestionWorker) Run(ctx context.Context) error {
	_, err := runBounded(ctx, w.runner, w.source, w.timeout)
	if errors.Is(err, ingestion.ErrRunInProgress) {
		return nil
	}
	return err
}

func runBounded(ctx context.Context, runner Runner, src source.Source, timeout time.Duration) (*ingestion.RunResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := runner.Run(ctx, src)
	if err != nil {
		return result, err
	}

	logger.Debug("ingestion run finished",
		zap.String("source", result.SourceID),
		zap.Int64("cursor", result.NextCursor),
		zap.Int("merged", result.Merged),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}
