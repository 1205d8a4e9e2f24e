package persistence

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"spot-core/pkg/logger"
)

// WriteOp represents a database write operation. Ops sharing a non-empty Key
// coalesce: a newer op replaces the buffered one in place.
type WriteOp struct {
	Key   string
	Query string
	Args  []any
}

// BatchWriter batches frequent small writes (price ratchets) into one
// transaction per flush.
type BatchWriter struct {
	db          *sql.DB
	mu          sync.Mutex
	buffer      []WriteOp
	index       map[string]int
	maxSize     int
	flushIntval time.Duration
	flushMu     sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	log         *zap.Logger

	totalWrites    atomic.Uint64
	totalCoalesced atomic.Uint64
	totalBatches   atomic.Uint64
	totalErrors    atomic.Uint64
	lastBatchSize  atomic.Int64
	lastFlushUnix  atomic.Int64
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites    uint64    `json:"total_writes"`
	TotalCoalesced uint64    `json:"total_coalesced"`
	TotalBatches   uint64    `json:"total_batches"`
	TotalErrors    uint64    `json:"total_errors"`
	LastBatchSize  int       `json:"last_batch_size"`
	LastFlushTime  time.Time `json:"last_flush_time"`
	Pending        int       `json:"pending"`
}

// NewBatchWriter creates a batch writer with specified parameters.
// maxSize: max operations before auto-flush
// interval: time-based flush interval
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		db:          db,
		buffer:      make([]WriteOp, 0, maxSize),
		index:       make(map[string]int),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
		log:         logger.Named("batch-writer"),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write adds a write operation to the batch.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	if i, ok := bw.index[op.Key]; ok && op.Key != "" {
		bw.buffer[i] = op
		bw.mu.Unlock()
		bw.totalCoalesced.Add(1)
		return
	}
	if op.Key != "" {
		bw.index[op.Key] = len(bw.buffer)
	}
	bw.buffer = append(bw.buffer, op)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		_ = bw.Flush(context.Background())
	}
}

// WriteKeyed is a convenience method for coalescing queries.
func (bw *BatchWriter) WriteKeyed(key, query string, args ...any) {
	bw.Write(WriteOp{Key: key, Query: query, Args: args})
}

// Drop discards a buffered op for key, if any.
func (bw *BatchWriter) Drop(key string) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	i, ok := bw.index[key]
	if !ok {
		return
	}
	bw.buffer = append(bw.buffer[:i], bw.buffer[i+1:]...)
	delete(bw.index, key)
	for k, j := range bw.index {
		if j > i {
			bw.index[k] = j - 1
		}
	}
}

// Flush immediately writes all buffered operations to the database.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.index = make(map[string]int)
	bw.mu.Unlock()

	return bw.executeBatch(ctx, ops)
}

// executeBatch runs a batch of operations in a transaction.
func (bw *BatchWriter) executeBatch(ctx context.Context, ops []WriteOp) error {
	bw.totalWrites.Add(uint64(len(ops)))
	bw.totalBatches.Add(1)
	bw.lastBatchSize.Store(int64(len(ops)))
	bw.lastFlushUnix.Store(time.Now().UnixMilli())

	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		bw.totalErrors.Add(1)
		bw.log.Error("batch-writer: begin transaction failed", zap.Error(err))
		return err
	}

	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			bw.totalErrors.Add(1)
			bw.log.Error("batch-writer: query failed, rolling back", zap.String("key", op.Key), zap.Error(err))
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		bw.totalErrors.Add(1)
		bw.log.Error("batch-writer: commit failed", zap.Error(err))
		return err
	}

	bw.log.Debug("batch-writer: flushed", zap.Int("ops", len(ops)))
	return nil
}

// backgroundFlush periodically flushes the buffer.
func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				bw.log.Warn("batch-writer: background flush error", zap.Error(err))
			}
		case <-bw.done:
			// Final flush before shutdown
			if err := bw.Flush(context.Background()); err != nil {
				bw.log.Warn("batch-writer: final flush error", zap.Error(err))
			}
			return
		}
	}
}

// Pending returns the number of pending operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	m := BatchWriterMetrics{
		TotalWrites:    bw.totalWrites.Load(),
		TotalCoalesced: bw.totalCoalesced.Load(),
		TotalBatches:   bw.totalBatches.Load(),
		TotalErrors:    bw.totalErrors.Load(),
		LastBatchSize:  int(bw.lastBatchSize.Load()),
		Pending:        bw.Pending(),
	}
	if ms := bw.lastFlushUnix.Load(); ms > 0 {
		m.LastFlushTime = time.UnixMilli(ms)
	}
	return m
}

// Close flushes what is buffered and stops the background loop.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
