// Package workers schedules ingestion runs, periodically and on demand.
package workers

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/market-etl/internal/adapters/source"
	"github.com/selivandex/market-etl/internal/ingestion"
	"github.com/selivandex/market-etl/pkg/logger"
)

// SourceLookup resolves a source id to its adapter
type SourceLookup interface {
	Lookup(id string) (source.Source, error)
}

// Dispatcher starts manual ingestion runs in the background.
// At most one dispatched run per source is queued at a time.
type Dispatcher struct {
	runner   Runner
	sources  SourceLookup
	timeout  time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]bool
}

// NewDispatcher creates new dispatcher. Runs inherit ctx and are cancelled by Close.
func NewDispatcher(ctx context.Context, runner Runner, sources SourceLookup, timeout time.Duration) *Dispatcher {
	ctx, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		runner:   runner,
		sources:  sources,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]bool),
	}
}

// Dispatch starts one run of sourceID and returns without waiting for it
func (d *Dispatcher) Dispatch(sourceID string) error {
	src, err := d.sources.Lookup(sourceID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return d.ctx.Err()
	}
	if d.inflight[sourceID] {
		d.mu.Unlock()
		return ingestion.ErrRunInProgress
	}
	d.inflight[sourceID] = true
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(src)
	return nil
}

func (d *Dispatcher) run(src source.Source) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, src.ID())
		d.mu.Unlock()
	}()

	_, err := runBounded(d.ctx, d.runner, src, d.timeout)
	switch {
	case err == nil:
	case errors.Is(err, ingestion.ErrRunInProgress):
		logger.Info("manual run skipped, source busy", zap.String("source", src.ID()))
	default:
		logger.Error("manual run failed", zap.String("source", src.ID()), zap.Error(err))
	}
}

// Close cancels running dispatches and waits up to timeout for them to exit
func (d *Dispatcher) Close(timeout time.Duration) bool {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		logger.Warn("dispatched runs did not finish before shutdown")
		return false
	}
}
