// Package monitoring ties the execution ledger, metrics aggregator and health
// monitor together behind the operations the scheduler and ops API use.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"market-data-collector/internal/health"
	"market-data-collector/internal/ledger"
	"market-data-collector/internal/logger"
	"market-data-collector/internal/metrics"
	"market-data-collector/internal/models"
)

const recentAlertLimit = 10

// Archiver mirrors monitoring state to durable storage. Saves must be idempotent per id.
type Archiver interface {
	SaveExecution(ctx context.Context, rec models.ExecutionRecord) error
	SaveSamples(ctx context.Context, samples []models.MetricSample) error
	SaveAlert(ctx context.Context, alert models.Alert) error
}

// Service is the monitoring facade.
type Service struct {
	ledger     *ledger.Ledger
	aggregator *metrics.Aggregator
	monitor    *health.Monitor
	archiver   Archiver
	log        logger.Logger
	now        func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithArchiver mirrors executions, samples and alerts to a.
func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

// NewService wires the three monitoring components. New alerts are archived when an archiver is set.
func NewService(l *ledger.Ledger, agg *metrics.Aggregator, mon *health.Monitor, log logger.Logger, opts ...Option) *Service {
	s := &Service{
		ledger:     l,
		aggregator: agg,
		monitor:    mon,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.archiver != nil {
		mon.AddAlertHandler(health.AlertHandlerFunc(s.archiver.SaveAlert))
	}
	return s
}

// AddAlertHandler registers a handler for newly raised alerts.
func (s *Service) AddAlertHandler(h health.AlertHandler) {
	s.monitor.AddAlertHandler(h)
}

// StartExecution opens a ledger record under a fresh execution id.
func (s *Service) StartExecution(collectorType string, metadata map[string]any) (string, error) {
	id := uuid.NewString()
	if _, err := s.ledger.StartExecution(collectorType, id, metadata); err != nil {
		return "", err
	}
	return id, nil
}

// CompleteExecution seals the record and feeds the aggregator and health monitor.
// The duration is the caller's wall-clock measurement of the collector call.
func (s *Service) CompleteExecution(ctx context.Context, executionID string, result models.CollectionResult, duration time.Duration) (models.CollectorHealthStatus, error) {
	rec, err := s.ledger.CompleteExecution(executionID, result, result.Warnings)
	if err != nil {
		s.log.Warn("complete execution", logger.String("execution_id", executionID), logger.Error(err))
		return models.CollectorHealthStatus{}, err
	}

	samples := s.aggregator.RecordExecution(rec.CollectorType, duration, result.RecordsCollected, rec.Status.Successful())
	status := s.monitor.UpdateCollectorHealth(ctx, rec.CollectorType)

	s.archive(ctx, rec, samples)
	return status, nil
}

// CancelExecution seals an active record as cancelled.
func (s *Service) CancelExecution(ctx context.Context, executionID, reason string) error {
	rec, err := s.ledger.CancelExecution(executionID, reason)
	if err != nil {
		return err
	}
	s.archive(ctx, rec, nil)
	return nil
}

// TimeoutExecution seals an active record as timed out and counts it as a failed run.
func (s *Service) TimeoutExecution(ctx context.Context, executionID string, after time.Duration) (models.CollectorHealthStatus, error) {
	rec, err := s.ledger.TimeoutExecution(executionID, after)
	if err != nil {
		return models.CollectorHealthStatus{}, err
	}
	return s.observeAborted(ctx, rec, after), nil
}

// AbortExecution seals a run that ended because its context did: TIMEOUT for a
// passed deadline, CANCELLED otherwise. Either way the aggregator sees a failed run.
func (s *Service) AbortExecution(ctx context.Context, executionID string, cause error, duration time.Duration) (models.CollectorHealthStatus, error) {
	if errors.Is(cause, context.DeadlineExceeded) {
		return s.TimeoutExecution(ctx, executionID, duration)
	}
	rec, err := s.ledger.CancelExecution(executionID, cause.Error())
	if err != nil {
		return models.CollectorHealthStatus{}, err
	}
	return s.observeAborted(ctx, rec, duration), nil
}

func (s *Service) observeAborted(ctx context.Context, rec models.ExecutionRecord, duration time.Duration) models.CollectorHealthStatus {
	samples := s.aggregator.RecordExecution(rec.CollectorType, duration, 0, false)
	status := s.monitor.UpdateCollectorHealth(ctx, rec.CollectorType)
	s.archive(ctx, rec, samples)
	return status
}

func (s *Service) archive(ctx context.Context, rec models.ExecutionRecord, samples []models.MetricSample) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.SaveExecution(ctx, rec); err != nil {
		s.log.Warn("archive execution failed", logger.String("execution_id", rec.ExecutionID), logger.Error(err))
	}
	if len(samples) > 0 {
		if err := s.archiver.SaveSamples(ctx, samples); err != nil {
			s.log.Warn("archive samples failed", logger.String("collector", rec.CollectorType), logger.Error(err))
		}
	}
}

// RefreshHealth recomputes the health of every collector the ledger knows about.
func (s *Service) RefreshHealth(ctx context.Context) map[string]models.CollectorHealthStatus {
	out := make(map[string]models.CollectorHealthStatus)
	for _, ct := range s.ledger.CollectorTypes() {
		out[ct] = s.monitor.UpdateCollectorHealth(ctx, ct)
	}
	return out
}

// Status is the operator view returned by GetMonitoringStatus.
type Status struct {
	System            health.SystemHealth                     `json:"system_health"`
	Collectors        map[string]models.CollectorHealthStatus `json:"collectors"`
	RecentAlerts      []models.Alert                          `json:"recent_alerts"`
	Statistics        map[string]models.ExecutionStatistics   `json:"statistics"`
	ActiveExecutions  []models.ExecutionRecord                `json:"active_executions"`
	PerformanceAlerts []models.PerformanceFinding             `json:"performance_alerts"`
	GeneratedAt       time.Time                               `json:"generated_at"`
}

// GetMonitoringStatus summarises system health, collector health, recent alerts and statistics.
func (s *Service) GetMonitoringStatus() Status {
	st := Status{
		System:            s.monitor.GetSystemHealth(),
		Collectors:        s.monitor.AllCollectorHealth(),
		Statistics:        make(map[string]models.ExecutionStatistics),
		ActiveExecutions:  s.ledger.GetActiveExecutions(),
		PerformanceAlerts: s.aggregator.GetPerformanceAlerts(),
		GeneratedAt:       s.now(),
	}
	for _, ct := range s.ledger.CollectorTypes() {
		st.Statistics[ct] = s.ledger.GetStatistics(ct, 0)
	}
	alerts := s.monitor.GetAlerts(health.AlertFilter{})
	if len(alerts) > recentAlertLimit {
		alerts = alerts[:recentAlertLimit]
	}
	st.RecentAlerts = alerts
	return st
}

// GetStatistics exposes ledger statistics for one collector (empty for all).
func (s *Service) GetStatistics(collectorType string, window time.Duration) models.ExecutionStatistics {
	return s.ledger.GetStatistics(collectorType, window)
}

// GetSamples returns one collector's retained samples of metric since the given time.
func (s *Service) GetSamples(collectorType, metric string, since time.Time) []models.MetricSample {
	return s.aggregator.GetSamples(collectorType, metric, since)
}

// ResetMetrics clears a collector's aggregated metrics and samples.
func (s *Service) ResetMetrics(collectorType string) {
	s.aggregator.Reset(collectorType)
	s.log.Info("collector metrics reset", logger.String("collector", collectorType))
}

// HistorySource is implemented by archivers that can read executions back.
type HistorySource interface {
	RecentExecutions(ctx context.Context, collectorType string, limit int) ([]models.ExecutionRecord, error)
}

// History returns a collector's most recent executions, newest first. It reads
// the archive when it can serve reads and the in-memory ledger otherwise.
func (s *Service) History(ctx context.Context, collectorType string, limit int) ([]models.ExecutionRecord, error) {
	if h, ok := s.archiver.(HistorySource); ok {
		recs, err := h.RecentExecutions(ctx, collectorType, limit)
		if err != nil {
			return nil, fmt.Errorf("archive history: %w", err)
		}
		return recs, nil
	}
	recs := s.ledger.GetHistory(collectorType, limit)
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// SuppressAlerts silences new alerts for a collector in the given health state until until.
func (s *Service) SuppressAlerts(collectorType string, status models.HealthState, until time.Time) {
	s.monitor.SuppressAlerts(collectorType, status, until)
	s.log.Info("alerts suppressed",
		logger.String("collector", collectorType),
		logger.String("status", string(status)),
		logger.Time("until", until))
}

// UnsuppressAlerts lifts a suppression early.
func (s *Service) UnsuppressAlerts(collectorType string, status models.HealthState) {
	s.monitor.UnsuppressAlerts(collectorType, status)
}

// GetAlerts lists alerts, newest first.
func (s *Service) GetAlerts(f health.AlertFilter) []models.Alert {
	return s.monitor.GetAlerts(f)
}

// AcknowledgeAlert marks an alert as seen; false for unknown ids.
func (s *Service) AcknowledgeAlert(ctx context.Context, id string) bool {
	if !s.monitor.AcknowledgeAlert(id) {
		return false
	}
	s.archiveAlert(ctx, id)
	return true
}

// ResolveAlert marks an alert as resolved; false for unknown ids.
func (s *Service) ResolveAlert(ctx context.Context, id string) bool {
	if !s.monitor.ResolveAlert(id) {
		return false
	}
	s.archiveAlert(ctx, id)
	return true
}

func (s *Service) archiveAlert(ctx context.Context, id string) {
	if s.archiver == nil {
		return
	}
	if a, ok := s.monitor.GetAlert(id); ok {
		if err := s.archiver.SaveAlert(ctx, a); err != nil {
			s.log.Warn("archive alert failed", logger.String("alert_id", id), logger.Error(err))
		}
	}
}

// Snapshot is a full dump of monitoring state for dashboards.
type Snapshot struct {
	Status     Status                               `json:"status"`
	Metrics    map[string]models.PerformanceMetrics `json:"metrics"`
	Scores     map[string]float64                   `json:"health_scores"`
	Thresholds map[string]float64                   `json:"thresholds"`
	History    map[string][]models.ExecutionRecord  `json:"history"`
	Alerts     []models.Alert                       `json:"alerts"`
}

// ExportMonitoringData returns a full snapshot.
func (s *Service) ExportMonitoringData() Snapshot {
	snap := Snapshot{
		Status:     s.GetMonitoringStatus(),
		Metrics:    s.aggregator.AllMetrics(),
		Scores:     s.aggregator.GetHealthScores(),
		Thresholds: s.aggregator.Thresholds(),
		History:    make(map[string][]models.ExecutionRecord),
		Alerts:     s.monitor.GetAlerts(health.AlertFilter{}),
	}
	for _, ct := range s.ledger.CollectorTypes() {
		snap.History[ct] = s.ledger.GetHistory(ct, 0)
	}
	return snap
}

// Pruner is implemented by archivers that can drop aged rows.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupReport counts what CleanupMonitoringData removed.
type CleanupReport struct {
	Executions int   `json:"executions"`
	Samples    int   `json:"samples"`
	Alerts     int   `json:"alerts"`
	Archived   int64 `json:"archived_rows"`
}

// CleanupMonitoringData prunes execution history, metric samples and resolved
// alerts older than daysToKeep, in memory and in the archive.
func (s *Service) CleanupMonitoringData(ctx context.Context, daysToKeep int) CleanupReport {
	if daysToKeep < 0 {
		daysToKeep = 0
	}
	cutoff := s.now().AddDate(0, 0, -daysToKeep)
	report := CleanupReport{
		Executions: s.ledger.Cleanup(cutoff),
		Samples:    s.aggregator.Cleanup(cutoff),
		Alerts:     s.monitor.CleanupOldAlerts(daysToKeep),
	}
	if p, ok := s.archiver.(Pruner); ok {
		n, err := p.PruneBefore(ctx, cutoff)
		if err != nil {
			s.log.Warn("archive prune failed", logger.Error(err))
		}
		report.Archived = n
	}
	s.log.Info("monitoring data cleaned up",
		logger.Int("days_to_keep", daysToKeep),
		logger.Int("executions", report.Executions),
		logger.Int("samples", report.Samples),
		logger.Int("alerts", report.Alerts))
	return report
}
