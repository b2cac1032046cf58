package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingWorker struct {
	calls atomic.Int64
	err   error
	panic bool
}

func (w *countingWorker) Name() string { return "counting" }

func (w *countingWorker) Run(context.Context) error {
	w.calls.Add(1)
	if w.panic {
		panic("boom")
	}
	return w.err
}

type blockingWorker struct{}

func (blockingWorker) Name() string { return "blocking" }

func (blockingWorker) Run(context.Context) error {
	time.Sleep(time.Second)
	return nil
}

func TestPeriodicWorker_RunsImmediatelyAndOnTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &countingWorker{}
	pw := NewPeriodicWorker(w, 10*time.Millisecond)
	pw.Start(ctx)

	assert.Eventually(t, func() bool { return w.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.True(t, pw.Wait(time.Second))
	assert.Equal(t, w.calls.Load(), pw.Iterations())
	assert.Zero(t, pw.Failures())
}

func TestPeriodicWorker_SurvivesErrorsAndPanics(t *testing.T) {
	tests := []struct {
		name   string
		worker *countingWorker
	}{
		{"error", &countingWorker{err: errors.New("fetch failed")}},
		{"panic", &countingWorker{panic: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			pw := NewPeriodicWorker(tt.worker, 5*time.Millisecond)
			pw.Start(ctx)

			assert.Eventually(t, func() bool { return pw.Failures() >= 2 }, time.Second, 5*time.Millisecond)
			cancel()
			assert.True(t, pw.Wait(time.Second))
		})
	}
}

func TestPeriodicWorker_DefaultInterval(t *testing.T) {
	pw := NewPeriodicWorker(&countingWorker{}, 0)
	assert.Equal(t, time.Minute, pw.interval)
}

func TestGroup_StartStop(t *testing.T) {
	g := NewGroup(context.Background())
	a := &countingWorker{}
	b := &countingWorker{}
	g.Add(a, time.Hour)
	g.Start()
	g.Add(b, time.Hour)

	assert.Eventually(t, func() bool {
		return a.calls.Load() == 1 && b.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, g.Stop(time.Second))
}

func TestGroup_StopTimeout(t *testing.T) {
	g := NewGroup(context.Background())
	g.Add(blockingWorker{}, time.Hour)
	g.Start()
	time.Sleep(20 * time.Millisecond)

	assert.False(t, g.Stop(10*time.Millisecond))
}

func TestGroup_StopWithoutStart(t *testing.T) {
	g := NewGroup(context.Background())
	g.Add(&countingWorker{}, time.Second)
	assert.True(t, g.Stop(time.Second))
}
