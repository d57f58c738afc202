// Package ledger keeps a bounded, per-collector history of collector executions.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"market-data-collector/internal/logger"
	"market-data-collector/internal/models"
)

var (
	// ErrDuplicateExecution is returned when an execution id is already active.
	ErrDuplicateExecution = errors.New("duplicate execution id")
	// ErrNotFound is returned when no active execution matches the id.
	ErrNotFound = errors.New("execution not found")
)

// DefaultMaxRecordsPerCollector bounds each collector's history.
const DefaultMaxRecordsPerCollector = 100

// Ledger records the start and end of every execution.
type Ledger struct {
	mu         sync.RWMutex
	log        logger.Logger
	maxRecords int
	active     map[string]*models.ExecutionRecord
	history    map[string][]models.ExecutionRecord
	now        func() time.Time
}

// New creates a ledger that keeps at most maxRecords sealed executions per collector type.
func New(maxRecords int, log logger.Logger) *Ledger {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecordsPerCollector
	}
	return &Ledger{
		log:        log,
		maxRecords: maxRecords,
		active:     make(map[string]*models.ExecutionRecord),
		history:    make(map[string][]models.ExecutionRecord),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// StartExecution opens an active record.
func (l *Ledger) StartExecution(collectorType, executionID string, metadata map[string]any) (models.ExecutionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.active[executionID]; exists {
		return models.ExecutionRecord{}, fmt.Errorf("%w: %s", ErrDuplicateExecution, executionID)
	}
	rec := &models.ExecutionRecord{
		CollectorType: collectorType,
		ExecutionID:   executionID,
		StartTime:     l.now(),
		Status:        models.StatusActive,
		Metadata:      metadata,
	}
	l.active[executionID] = rec
	return *rec, nil
}

// CompleteExecution seals an active record from a collection result.
// The status is success when the result succeeded without warnings, partial
// when it succeeded with warnings, failure otherwise.
func (l *Ledger) CompleteExecution(executionID string, result models.CollectionResult, warnings []string) (models.ExecutionRecord, error) {
	status := models.StatusFailure
	if result.Success {
		status = models.StatusSuccess
		if len(warnings) > 0 {
			status = models.StatusPartial
		}
	}
	return l.seal(executionID, status, result.RecordsCollected, result.Errors, warnings)
}

// CancelExecution seals an active record as cancelled.
func (l *Ledger) CancelExecution(executionID, reason string) (models.ExecutionRecord, error) {
	return l.seal(executionID, models.StatusCancelled, 0, []string{reason}, nil)
}

// TimeoutExecution seals an active record as timed out.
func (l *Ledger) TimeoutExecution(executionID string, after time.Duration) (models.ExecutionRecord, error) {
	return l.seal(executionID, models.StatusTimeout, 0, []string{fmt.Sprintf("timed out after %s", after)}, nil)
}

func (l *Ledger) seal(executionID string, status models.ExecutionStatus, records int, errs, warnings []string) (models.ExecutionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.active[executionID]
	if !ok {
		// Cancellation can race completion; the loser just logs.
		l.log.Warn("execution not active", logger.String("execution_id", executionID), logger.String("status", string(status)))
		return models.ExecutionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	delete(l.active, executionID)

	end := l.now()
	rec.EndTime = &end
	rec.Status = status
	rec.RecordsCollected = records
	rec.Errors = append(rec.Errors, errs...)
	rec.Warnings = append(rec.Warnings, warnings...)

	hist := append(l.history[rec.CollectorType], *rec)
	if over := len(hist) - l.maxRecords; over > 0 {
		hist = append([]models.ExecutionRecord(nil), hist[over:]...)
	}
	l.history[rec.CollectorType] = hist
	return *rec, nil
}

// GetActiveExecutions returns the executions that have not been sealed yet.
func (l *Ledger) GetActiveExecutions() []models.ExecutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.ExecutionRecord, 0, len(l.active))
	for _, rec := range l.active {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// GetHistory returns up to limit of the most recent sealed executions for a collector, oldest first.
// A limit of zero returns the whole history.
func (l *Ledger) GetHistory(collectorType string, limit int) []models.ExecutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hist := l.history[collectorType]
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	return append([]models.ExecutionRecord(nil), hist...)
}

// CollectorTypes lists every collector with at least one sealed execution.
func (l *Ledger) CollectorTypes() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.history))
	for ct := range l.history {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

// ConsecutiveFailures counts trailing unsuccessful executions for a collector.
func (l *Ledger) ConsecutiveFailures(collectorType string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hist := l.history[collectorType]
	n := 0
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Status.Successful() {
			break
		}
		n++
	}
	return n
}

// GetStatistics summarises sealed executions. An empty collectorType selects
// every collector and a zero window selects the whole retained history.
func (l *Ledger) GetStatistics(collectorType string, window time.Duration) models.ExecutionStatistics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var cutoff time.Time
	if window > 0 {
		cutoff = l.now().Add(-window)
	}

	stats := models.ExecutionStatistics{StatusCounts: make(map[models.ExecutionStatus]int)}
	var totalDuration time.Duration
	add := func(rec models.ExecutionRecord) {
		if !cutoff.IsZero() && rec.StartTime.Before(cutoff) {
			return
		}
		stats.TotalExecutions++
		stats.StatusCounts[rec.Status]++
		stats.TotalRecordsCollected += rec.RecordsCollected
		totalDuration += rec.Duration()
		if rec.Status.Successful() {
			stats.SuccessfulExecutions++
			if rec.EndTime != nil && (stats.LastSuccess == nil || rec.EndTime.After(*stats.LastSuccess)) {
				end := *rec.EndTime
				stats.LastSuccess = &end
			}
		} else {
			stats.FailedExecutions++
		}
	}

	if collectorType != "" {
		for _, rec := range l.history[collectorType] {
			add(rec)
		}
	} else {
		for _, hist := range l.history {
			for _, rec := range hist {
				add(rec)
			}
		}
	}

	if stats.TotalExecutions == 0 {
		return stats
	}
	stats.SuccessRate = float64(stats.SuccessfulExecutions) / float64(stats.TotalExecutions) * 100
	stats.AverageDuration = totalDuration.Seconds() / float64(stats.TotalExecutions)
	return stats
}

// Cleanup drops sealed executions that started before olderThan and returns how many were removed.
func (l *Ledger) Cleanup(olderThan time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ct, hist := range l.history {
		kept := hist[:0]
		for _, rec := range hist {
			if rec.StartTime.Before(olderThan) {
				removed++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			delete(l.history, ct)
			continue
		}
		l.history[ct] = kept
	}
	return removed
}
