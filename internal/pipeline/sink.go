// Package pipeline routes collected payloads through batch writers into the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"market-data-collector/internal/batch"
	"market-data-collector/internal/logger"
	"market-data-collector/internal/models"
	"market-data-collector/internal/store"
)

// Sink owns one batch writer per record kind.
type Sink struct {
	pools  *batch.Writer[models.Pool]
	tokens *batch.Writer[models.Token]
	ohlcv  *batch.Writer[models.OHLCV]
	trades *batch.Writer[models.Trade]
	log    logger.Logger
}

// NewSink builds writers over the store adapters for every market-data entity.
func NewSink(db *store.DB, cfg batch.Config, log logger.Logger) *Sink {
	return &Sink{
		pools:  batch.NewWriter[models.Pool]("pools", cfg, store.NewAdapter(db, store.PoolEntity).StoreBatch, log),
		tokens: batch.NewWriter[models.Token]("tokens", cfg, store.NewAdapter(db, store.TokenEntity).StoreBatch, log),
		ohlcv:  batch.NewWriter[models.OHLCV]("ohlcv", cfg, store.NewAdapter(db, store.OHLCVEntity).StoreBatch, log),
		trades: batch.NewWriter[models.Trade]("trades", cfg, store.NewAdapter(db, store.TradeEntity).StoreBatch, log),
		log:    log,
	}
}

// Persist buffers every record of the result's payload. The returned count
// covers only batches that filled up and were stored during this call.
func (s *Sink) Persist(ctx context.Context, result models.CollectionResult) (int, error) {
	p := result.Payload
	if p.Len() == 0 {
		return 0, nil
	}

	var (
		total int
		errs  []error
	)
	add := func(kind string, n int, err error) {
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("persist %s: %w", kind, err))
		}
	}
	if len(p.Pools) > 0 {
		n, err := s.pools.AddMany(ctx, p.Pools)
		add("pools", n, err)
	}
	if len(p.Tokens) > 0 {
		n, err := s.tokens.AddMany(ctx, p.Tokens)
		add("tokens", n, err)
	}
	if len(p.OHLCV) > 0 {
		n, err := s.ohlcv.AddMany(ctx, p.OHLCV)
		add("ohlcv", n, err)
	}
	if len(p.Trades) > 0 {
		n, err := s.trades.AddMany(ctx, p.Trades)
		add("trades", n, err)
	}
	return total, errors.Join(errs...)
}

// Flush stores everything buffered so far.
func (s *Sink) Flush(ctx context.Context) (int, error) {
	return s.drain(ctx, false)
}

// Close flushes and closes every writer.
func (s *Sink) Close(ctx context.Context) (int, error) {
	n, err := s.drain(ctx, true)
	s.log.Info("sink closed", logger.Int("stored", n))
	return n, err
}

func (s *Sink) drain(ctx context.Context, closing bool) (int, error) {
	type flusher struct {
		name  string
		flush func(context.Context) (int, error)
	}
	flushers := []flusher{
		{"pools", s.pools.Flush}, {"tokens", s.tokens.Flush},
		{"ohlcv", s.ohlcv.Flush}, {"trades", s.trades.Flush},
	}
	if closing {
		flushers = []flusher{
			{"pools", s.pools.Close}, {"tokens", s.tokens.Close},
			{"ohlcv", s.ohlcv.Close}, {"trades", s.trades.Close},
		}
	}

	var (
		total int
		errs  []error
	)
	for _, f := range flushers {
		n, err := f.flush(ctx)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", f.name, err))
		}
	}
	return total, errors.Join(errs...)
}

// Pending returns the number of buffered records across all kinds.
func (s *Sink) Pending() int {
	return s.pools.Pending() + s.tokens.Pending() + s.ohlcv.Pending() + s.trades.Pending()
}
