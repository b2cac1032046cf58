// Package clickhouse mirrors committed raw records into ClickHouse for analytics.
package clickhouse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/market-etl/pkg/logger"
	"github.com/selivandex/market-etl/pkg/models"
)

const flushTimeout = 30 * time.Second

// RawSaver persists a batch of raw records
type RawSaver interface {
	SaveRawRecords(ctx context.Context, records []*models.RawRecord) error
}

// RawBatchWriter buffers raw records and writes them in batches.
// Failed batches are logged and dropped; Postgres stays the source of truth.
type RawBatchWriter struct {
	saver       RawSaver
	buffer      []*models.RawRecord
	bufferMu    sync.Mutex
	flushMu     sync.Mutex
	maxBatch    int
	flushTicker *time.Ticker
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewRawBatchWriter creates new batch writer and starts its flush loop
func NewRawBatchWriter(saver RawSaver, maxBatch int, maxWait time.Duration) *RawBatchWriter {
	if maxBatch <= 0 {
		maxBatch = 500
	}
	if maxWait <= 0 {
		maxWait = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	bw := &RawBatchWriter{
		saver:       saver,
		buffer:      make([]*models.RawRecord, 0, maxBatch),
		maxBatch:    maxBatch,
		flushTicker: time.NewTicker(maxWait),
		ctx:         ctx,
		cancel:      cancel,
	}

	bw.wg.Add(1)
	go bw.autoFlush()

	return bw
}

// Enqueue adds committed records to the buffer
func (bw *RawBatchWriter) Enqueue(records []*models.RawRecord) {
	if len(records) == 0 {
		return
	}

	bw.bufferMu.Lock()
	bw.buffer = append(bw.buffer, records...)
	shouldFlush := len(bw.buffer) >= bw.maxBatch
	bw.bufferMu.Unlock()

	if shouldFlush {
		bw.flush()
	}
}

// Pending returns the number of buffered records
func (bw *RawBatchWriter) Pending() int {
	bw.bufferMu.Lock()
	defer bw.bufferMu.Unlock()
	return len(bw.buffer)
}

func (bw *RawBatchWriter) autoFlush() {
	defer bw.wg.Done()

	for {
		select {
		case <-bw.flushTicker.C:
			bw.flush()
		case <-bw.ctx.Done():
			bw.flush()
			return
		}
	}
}

func (bw *RawBatchWriter) flush() {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.bufferMu.Lock()
	if len(bw.buffer) == 0 {
		bw.bufferMu.Unlock()
		return
	}
	toWrite := bw.buffer
	bw.buffer = make([]*models.RawRecord, 0, bw.maxBatch)
	bw.bufferMu.Unlock()

	// detached so the final flush on Close still has time to complete
	ctx, cancel := context.WithTimeout(context.WithoutCancel(bw.ctx), flushTimeout)
	defer cancel()

	if err := bw.saver.SaveRawRecords(ctx, toWrite); err != nil {
		logger.Error("failed to flush raw records to ClickHouse",
			zap.Int("records", len(toWrite)),
			zap.Error(err),
		)
		return
	}

	logger.Debug("flushed raw records to ClickHouse",
		zap.Int("records", len(toWrite)),
	)
}

// Close stops the writer and flushes remaining records
func (bw *RawBatchWriter) Close() error {
	bw.flushTicker.Stop()
	bw.cancel()
	bw.wg.Wait()
	return nil
}
