// Package collector defines the unit of work the scheduler drives and a JSON
// fetcher for the market-data API.
package collector

import (
	"context"

	"market-data-collector/internal/models"
)

// Collector fetches one kind of market data.
type Collector interface {
	Type() string
	Collect(ctx context.Context) (models.CollectionResult, error)
}

// Func adapts a plain function into a Collector.
type Func struct {
	Name string
	Fn   func(ctx context.Context) (models.CollectionResult, error)
}

// Type returns the collector type.
func (f Func) Type() string { return f.Name }

// Collect runs the wrapped function and stamps the collector type on the result.
func (f Func) Collect(ctx context.Context) (models.CollectionResult, error) {
	res, err := f.Fn(ctx)
	if res.CollectorType == "" {
		res.CollectorType = f.Name
	}
	return res, err
}
