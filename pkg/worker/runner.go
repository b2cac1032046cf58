// Package worker runs background jobs on a fixed interval.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/market-etl/pkg/logger"
)

// Worker is one unit of periodic work
type Worker interface {
	// Name identifies the worker in logs
	Name() string
	// Run executes one iteration
	Run(ctx context.Context) error
}

// PeriodicWorker runs a Worker immediately and then on every tick.
// Errors and panics of an iteration are logged and never stop the loop.
type PeriodicWorker struct {
	worker   Worker
	interval time.Duration
	done     chan struct{}
	ticks    atomic.Int64
	failures atomic.Int64
}

// NewPeriodicWorker creates new periodic worker
func NewPeriodicWorker(w Worker, interval time.Duration) *PeriodicWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PeriodicWorker{
		worker:   w,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the loop; it ends when ctx is cancelled
func (pw *PeriodicWorker) Start(ctx context.Context) {
	go pw.loop(ctx)
}

// Wait blocks until the loop has exited or timeout elapses. It reports whether the loop exited.
func (pw *PeriodicWorker) Wait(timeout time.Duration) bool {
	select {
	case <-pw.done:
		return true
	case <-time.After(timeout):
		logger.Warn("worker stop timeout", zap.String("worker", pw.worker.Name()))
		return false
	}
}

// Iterations returns how many times the worker has run
func (pw *PeriodicWorker) Iterations() int64 {
	return pw.ticks.Load()
}

// Failures returns how many iterations returned an error or panicked
func (pw *PeriodicWorker) Failures() int64 {
	return pw.failures.Load()
}

func (pw *PeriodicWorker) loop(ctx context.Context) {
	defer close(pw.done)

	name := pw.worker.Name()
	logger.Info("worker started",
		zap.String("worker", name),
		zap.Duration("interval", pw.interval),
	)

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		pw.runOnce(ctx)

		select {
		case <-ctx.Done():
			logger.Info("worker stopped", zap.String("worker", name))
			return
		case <-ticker.C:
		}
	}
}

func (pw *PeriodicWorker) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pw.ticks.Add(1)

	if err := pw.safeRun(ctx); err != nil {
		pw.failures.Add(1)
		logger.Error("worker iteration failed",
			zap.String("worker", pw.worker.Name()),
			zap.Error(err),
		)
	}
}

func (pw *PeriodicWorker) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return pw.worker.Run(ctx)
}

// Group starts and stops a set of periodic workers together
type Group struct {
	mu      sync.Mutex
	workers []*PeriodicWorker
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewGroup creates new worker group bound to ctx
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{ctx: ctx, cancel: cancel}
}

// Add registers a worker. Workers added after Start are started immediately.
func (g *Group) Add(w Worker, interval time.Duration) *PeriodicWorker {
	g.mu.Lock()
	defer g.mu.Unlock()

	pw := NewPeriodicWorker(w, interval)
	g.workers = append(g.workers, pw)
	if g.started {
		pw.Start(g.ctx)
	}
	return pw
}

// Start launches every registered worker
func (g *Group) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return
	}
	g.started = true
	for _, pw := range g.workers {
		pw.Start(g.ctx)
	}

	logger.Info("worker group started", zap.Int("workers", len(g.workers)))
}

// Stop cancels all workers and waits up to timeout for each of them.
// It reports whether every worker exited in time.
func (g *Group) Stop(timeout time.Duration) bool {
	g.cancel()

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return true
	}

	deadline := time.Now().Add(timeout)
	clean := true
	for _, pw := range g.workers {
		if !pw.Wait(time.Until(deadline)) {
			clean = false
		}
	}

	logger.Info("worker group stopped", zap.Bool("clean", clean))
	return clean
}
