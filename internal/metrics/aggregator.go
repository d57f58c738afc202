// Package metrics aggregates per-collector performance counters and time series.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"market-data-collector/internal/models"
)

// Threshold names accepted by SetThreshold.
const (
	ThresholdMaxExecutionTime    = "max_execution_time"
	ThresholdMinSuccessRate      = "min_success_rate"
	ThresholdMinRecordsPerSecond = "min_records_per_second"
)

// Time series metric names.
const (
	MetricExecutionTime    = "execution_time"
	MetricRecordsCollected = "records_collected"
	MetricRecordsPerSecond = "records_per_second"
	MetricSuccess          = "success"
)

// DefaultRetention is how long time series samples are kept.
const DefaultRetention = 24 * time.Hour

// DefaultThresholds returns the thresholds used for alerts and the health score.
func DefaultThresholds() map[string]float64 {
	return map[string]float64{
		ThresholdMaxExecutionTime:    300,
		ThresholdMinSuccessRate:      90,
		ThresholdMinRecordsPerSecond: 0.1,
	}
}

// Aggregator keeps cumulative counters and a retention-bounded time series per collector.
type Aggregator struct {
	mu         sync.RWMutex
	retention  time.Duration
	thresholds map[string]float64
	metrics    map[string]*models.PerformanceMetrics
	series     map[string]map[string][]models.MetricSample
	now        func() time.Time
}

// NewAggregator creates an aggregator that keeps samples for the given retention window.
func NewAggregator(retention time.Duration) *Aggregator {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Aggregator{
		retention:  retention,
		thresholds: DefaultThresholds(),
		metrics:    make(map[string]*models.PerformanceMetrics),
		series:     make(map[string]map[string][]models.MetricSample),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RecordExecution folds one run into the collector's counters and returns the samples it appended.
func (a *Aggregator) RecordExecution(collectorType string, duration time.Duration, recordsCollected int, success bool) []models.MetricSample {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	m, ok := a.metrics[collectorType]
	if !ok {
		m = &models.PerformanceMetrics{CollectorType: collectorType}
		a.metrics[collectorType] = m
	}

	secs := duration.Seconds()
	m.ExecutionCount++
	m.TotalExecutionTime += secs
	m.TotalRecords += recordsCollected
	if !success {
		m.ErrorCount++
	}
	m.SuccessRate = float64(m.ExecutionCount-m.ErrorCount) / float64(m.ExecutionCount) * 100
	m.AverageExecutionTime = m.TotalExecutionTime / float64(m.ExecutionCount)
	if secs > 0 {
		m.RecordsPerSecond = float64(recordsCollected) / secs
	}
	m.LastExecutionTime = now

	successValue := 0.0
	if success {
		successValue = 1
	}
	samples := []models.MetricSample{
		{CollectorType: collectorType, Metric: MetricExecutionTime, Value: secs, Timestamp: now},
		{CollectorType: collectorType, Metric: MetricRecordsCollected, Value: float64(recordsCollected), Timestamp: now},
		{CollectorType: collectorType, Metric: MetricRecordsPerSecond, Value: m.RecordsPerSecond, Timestamp: now},
		{CollectorType: collectorType, Metric: MetricSuccess, Value: successValue, Timestamp: now},
	}
	for _, s := range samples {
		a.appendSample(s)
	}
	return samples
}

// appendSample must be called with mu held.
func (a *Aggregator) appendSample(s models.MetricSample) {
	byMetric, ok := a.series[s.CollectorType]
	if !ok {
		byMetric = make(map[string][]models.MetricSample)
		a.series[s.CollectorType] = byMetric
	}
	byMetric[s.Metric] = trimBefore(append(byMetric[s.Metric], s), s.Timestamp.Add(-a.retention))
}

// trimBefore drops the leading samples older than cutoff; samples are appended in time order.
func trimBefore(samples []models.MetricSample, cutoff time.Time) []models.MetricSample {
	i := sort.Search(len(samples), func(i int) bool { return !samples[i].Timestamp.Before(cutoff) })
	if i == 0 {
		return samples
	}
	return append([]models.MetricSample(nil), samples[i:]...)
}

// GetMetrics returns the counters for one collector.
func (a *Aggregator) GetMetrics(collectorType string) (models.PerformanceMetrics, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.metrics[collectorType]
	if !ok {
		return models.PerformanceMetrics{CollectorType: collectorType}, false
	}
	return *m, true
}

// AllMetrics returns a copy of every collector's counters.
func (a *Aggregator) AllMetrics() map[string]models.PerformanceMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]models.PerformanceMetrics, len(a.metrics))
	for k, v := range a.metrics {
		out[k] = *v
	}
	return out
}

// GetSamples returns the retained samples of one metric at or after since.
func (a *Aggregator) GetSamples(collectorType, metric string, since time.Time) []models.MetricSample {
	a.mu.RLock()
	defer a.mu.RUnlock()
	samples := a.series[collectorType][metric]
	return append([]models.MetricSample(nil), trimBefore(samples, since)...)
}

// SetThreshold changes a threshold at runtime. These thresholds drive the health
// score and performance findings only; the health monitor classifies collectors
// against its own health.Config, so changing max_execution_time here does not
// move a collector into WARNING.
func (a *Aggregator) SetThreshold(name string, value float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.thresholds[name]; !ok {
		return fmt.Errorf("unknown threshold %q", name)
	}
	a.thresholds[name] = value
	return nil
}

// Thresholds returns a copy of the current thresholds.
func (a *Aggregator) Thresholds() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]float64, len(a.thresholds))
	for k, v := range a.thresholds {
		out[k] = v
	}
	return out
}

// GetHealthScore returns the 0-100 composite score for one collector. Collectors
// without data score 100.
func (a *Aggregator) GetHealthScore(collectorType string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.metrics[collectorType]
	if !ok || m.ExecutionCount == 0 {
		return 100
	}
	return healthScore(*m, a.thresholds)
}

// GetHealthScores returns the score of every known collector.
func (a *Aggregator) GetHealthScores() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]float64, len(a.metrics))
	for k, m := range a.metrics {
		out[k] = healthScore(*m, a.thresholds)
	}
	return out
}

func healthScore(m models.PerformanceMetrics, thresholds map[string]float64) float64 {
	maxExec := thresholds[ThresholdMaxExecutionTime]
	minRPS := thresholds[ThresholdMinRecordsPerSecond]

	latency := 1.0
	if maxExec > 0 {
		latency = math.Max(0, (maxExec-m.AverageExecutionTime)/maxExec)
	}
	throughput := 1.0
	if minRPS > 0 {
		throughput = math.Min(1, m.RecordsPerSecond/minRPS)
	}

	score := 0.5*m.SuccessRate + 0.3*latency*100 + 0.2*throughput*100
	return math.Max(0, math.Min(100, score))
}

// GetPerformanceAlerts reports one finding per breached threshold per collector.
func (a *Aggregator) GetPerformanceAlerts() []models.PerformanceFinding {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.metrics))
	for k := range a.metrics {
		names = append(names, k)
	}
	sort.Strings(names)

	maxExec := a.thresholds[ThresholdMaxExecutionTime]
	minRate := a.thresholds[ThresholdMinSuccessRate]
	minRPS := a.thresholds[ThresholdMinRecordsPerSecond]

	var out []models.PerformanceFinding
	for _, name := range names {
		m := a.metrics[name]
		if m.ExecutionCount == 0 {
			continue
		}
		if m.AverageExecutionTime > maxExec {
			out = append(out, models.PerformanceFinding{
				CollectorType: name, Metric: MetricExecutionTime, Value: m.AverageExecutionTime, Threshold: maxExec,
				Message: fmt.Sprintf("average execution time %.2fs exceeds %.2fs", m.AverageExecutionTime, maxExec),
			})
		}
		if m.SuccessRate < minRate {
			out = append(out, models.PerformanceFinding{
				CollectorType: name, Metric: MetricSuccess, Value: m.SuccessRate, Threshold: minRate,
				Message: fmt.Sprintf("success rate %.1f%% below %.1f%%", m.SuccessRate, minRate),
			})
		}
		if m.RecordsPerSecond < minRPS {
			out = append(out, models.PerformanceFinding{
				CollectorType: name, Metric: MetricRecordsPerSecond, Value: m.RecordsPerSecond, Threshold: minRPS,
				Message: fmt.Sprintf("throughput %.3f records/s below %.3f", m.RecordsPerSecond, minRPS),
			})
		}
	}
	return out
}

// Reset clears a collector's counters and samples. It is an operator action.
func (a *Aggregator) Reset(collectorType string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.metrics, collectorType)
	delete(a.series, collectorType)
}

// Cleanup drops samples older than olderThan and returns how many were removed.
func (a *Aggregator) Cleanup(olderThan time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for _, byMetric := range a.series {
		for metric, samples := range byMetric {
			kept := trimBefore(samples, olderThan)
			removed += len(samples) - len(kept)
			byMetric[metric] = kept
		}
	}
	return removed
}
