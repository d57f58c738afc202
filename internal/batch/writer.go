// Package batch buffers records and hands them to a bulk store function on a size-or-time trigger.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"market-data-collector/internal/logger"
	"market-data-collector/internal/retry"
	"market-data-collector/internal/telemetry"
)

// ErrClosed is returned by Add and AddMany after Close.
var ErrClosed = errors.New("batch writer closed")

// StoreFunc stores many records and returns how many were actually stored.
type StoreFunc[T any] func(ctx context.Context, items []T) (int, error)

// Config controls batching and flush retries.
type Config struct {
	MaxBatchSize int
	MaxWaitTime  time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// DefaultConfig returns the batching defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 100,
		MaxWaitTime:  5 * time.Second,
		MaxRetries:   3,
		RetryDelay:   time.Second,
	}
}

// Writer accumulates records of one kind. It is safe for concurrent producers.
type Writer[T any] struct {
	name  string
	cfg   Config
	store StoreFunc[T]
	log   logger.Logger

	mu     sync.Mutex
	buf    []T
	timer  *time.Timer
	gen    uint64
	closed bool
}

// NewWriter creates a writer named for logs and metrics.
func NewWriter[T any](name string, cfg Config, store StoreFunc[T], log logger.Logger) *Writer[T] {
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = def.MaxWaitTime
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	return &Writer[T]{
		name:  name,
		cfg:   cfg,
		store: store,
		log:   log.With(logger.String("writer", name)),
		buf:   make([]T, 0, cfg.MaxBatchSize),
	}
}

// Add buffers one record. A full buffer is flushed before Add returns.
func (w *Writer[T]) Add(ctx context.Context, item T) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.buf = append(w.buf, item)
	if len(w.buf) < w.cfg.MaxBatchSize {
		w.scheduleLocked()
		w.mu.Unlock()
		return nil
	}
	items := w.takeLocked()
	w.mu.Unlock()

	_, err := w.write(ctx, items)
	return err
}

// AddMany buffers records, flushing every full chunk immediately. The
// remainder waits for the deferred flush.
func (w *Writer[T]) AddMany(ctx context.Context, items []T) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, ErrClosed
	}
	w.buf = append(w.buf, items...)
	var chunks [][]T
	for len(w.buf) >= w.cfg.MaxBatchSize {
		chunk := make([]T, w.cfg.MaxBatchSize)
		copy(chunk, w.buf[:w.cfg.MaxBatchSize])
		chunks = append(chunks, chunk)
		w.buf = w.buf[w.cfg.MaxBatchSize:]
	}
	if len(w.buf) == 0 {
		w.cancelTimerLocked()
		w.buf = make([]T, 0, w.cfg.MaxBatchSize)
	} else {
		w.scheduleLocked()
	}
	w.mu.Unlock()

	stored := 0
	for _, chunk := range chunks {
		n, err := w.write(ctx, chunk)
		stored += n
		if err != nil {
			return stored, err
		}
	}
	return stored, nil
}

// Flush stores whatever is buffered now.
func (w *Writer[T]) Flush(ctx context.Context) (int, error) {
	w.mu.Lock()
	items := w.takeLocked()
	w.mu.Unlock()
	if len(items) == 0 {
		return 0, nil
	}
	return w.write(ctx, items)
}

// Close flushes the buffer and rejects further records.
func (w *Writer[T]) Close(ctx context.Context) (int, error) {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.Flush(ctx)
}

// Pending returns the number of buffered records.
func (w *Writer[T]) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// takeLocked swaps out the buffer so producers keep appending to a fresh one
// while the store call runs.
func (w *Writer[T]) takeLocked() []T {
	w.cancelTimerLocked()
	items := w.buf
	w.buf = make([]T, 0, w.cfg.MaxBatchSize)
	return items
}

func (w *Writer[T]) cancelTimerLocked() {
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Writer[T]) scheduleLocked() {
	if w.timer != nil {
		return
	}
	gen := w.gen
	w.timer = time.AfterFunc(w.cfg.MaxWaitTime, func() { w.deferredFlush(gen) })
}

func (w *Writer[T]) deferredFlush(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		// superseded by an explicit flush
		w.mu.Unlock()
		return
	}
	items := w.takeLocked()
	w.mu.Unlock()
	if len(items) == 0 {
		return
	}
	if _, err := w.write(context.Background(), items); err != nil {
		w.log.Error("deferred flush failed, requeueing", logger.Int("records", len(items)), logger.Error(err))
		w.requeue(items)
	}
}

// requeue puts a failed deferred batch back ahead of newer records and arms the
// timer again. After Close the records stay buffered for a final Flush.
func (w *Writer[T]) requeue(items []T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(items, w.buf...)
	if !w.closed {
		w.scheduleLocked()
	}
}

func (w *Writer[T]) write(ctx context.Context, items []T) (int, error) {
	start := time.Now()
	var stored int
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  w.cfg.MaxRetries,
		InitialDelay: w.cfg.RetryDelay,
		Multiplier:   2,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			w.log.Warn("flush failed, retrying",
				logger.Int("attempt", attempt),
				logger.Int("records", len(items)),
				logger.Duration("delay", delay),
				logger.Error(err))
		},
	}, func(ctx context.Context) error {
		n, err := w.store(ctx, items)
		if err != nil {
			return err
		}
		stored = n
		return nil
	})
	telemetry.ObserveFlush(w.name, time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("flush %s (%d records): %w", w.name, len(items), err)
	}
	w.log.Debug("flushed batch",
		logger.Int("records", len(items)),
		logger.Int("stored", stored),
		logger.Duration("elapsed", time.Since(start)))
	return stored, nil
}
