// Package health classifies collector health and raises alerts on threshold crossings.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"market-data-collector/internal/logger"
	"market-data-collector/internal/models"
	"market-data-collector/internal/telemetry"
)

// Config holds the classification thresholds.
type Config struct {
	MaxConsecutiveFailures int
	MinSuccessRate24h      float64
	// MaxExecutionTime is independent of the aggregator's max_execution_time threshold.
	MaxExecutionTime       time.Duration
	StaleThreshold         time.Duration
	AlertCooldown          time.Duration
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 3,
		MinSuccessRate24h:      80,
		MaxExecutionTime:       300 * time.Second,
		StaleThreshold:         2 * time.Hour,
		AlertCooldown:          30 * time.Minute,
	}
}

// ExecutionSource provides execution history statistics.
type ExecutionSource interface {
	GetStatistics(collectorType string, window time.Duration) models.ExecutionStatistics
	ConsecutiveFailures(collectorType string) int
}

// MetricsSource provides aggregated performance metrics.
type MetricsSource interface {
	GetMetrics(collectorType string) (models.PerformanceMetrics, bool)
	GetHealthScore(collectorType string) float64
}

type alertKey struct {
	collectorType string
	status        models.HealthState
}

// Monitor derives CollectorHealthStatus values and owns the alert set.
type Monitor struct {
	cfg        Config
	executions ExecutionSource
	metrics    MetricsSource
	log        logger.Logger

	mu         sync.RWMutex
	statuses   map[string]models.CollectorHealthStatus
	alerts     map[string]*models.Alert
	cooldowns  map[alertKey]time.Time
	suppressed map[alertKey]time.Time
	handlers   []AlertHandler
	now        func() time.Time
}

// NewMonitor builds a health monitor over the given execution and metrics sources.
func NewMonitor(cfg Config, executions ExecutionSource, metrics MetricsSource, log logger.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = def.MaxExecutionTime
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.MinSuccessRate24h <= 0 {
		cfg.MinSuccessRate24h = def.MinSuccessRate24h
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = def.AlertCooldown
	}
	return &Monitor{
		cfg:        cfg,
		executions: executions,
		metrics:    metrics,
		log:        log,
		statuses:   make(map[string]models.CollectorHealthStatus),
		alerts:     make(map[string]*models.Alert),
		cooldowns:  make(map[alertKey]time.Time),
		suppressed: make(map[alertKey]time.Time),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// AddAlertHandler registers a handler that receives every new alert.
func (m *Monitor) AddAlertHandler(h AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// UpdateCollectorHealth recomputes a collector's status and raises alerts if needed.
func (m *Monitor) UpdateCollectorHealth(ctx context.Context, collectorType string) models.CollectorHealthStatus {
	status := m.evaluate(collectorType)

	m.mu.Lock()
	prev, hadPrev := m.statuses[collectorType]
	m.statuses[collectorType] = status
	m.mu.Unlock()

	if hadPrev && prev.Status != status.Status {
		m.log.Info("collector health changed",
			logger.String("collector", collectorType),
			logger.String("from", string(prev.Status)),
			logger.String("to", string(status.Status)),
			logger.Float64("health_score", status.HealthScore))
	}
	if status.Status == models.HealthHealthy && hadPrev && prev.Status != models.HealthHealthy {
		m.resolveCollectorAlerts(collectorType)
	}

	m.checkForAlerts(ctx, status)
	return status
}

func (m *Monitor) evaluate(collectorType string) models.CollectorHealthStatus {
	now := m.now()
	all := m.executions.GetStatistics(collectorType, 0)
	day := m.executions.GetStatistics(collectorType, 24*time.Hour)
	perf, _ := m.metrics.GetMetrics(collectorType)

	status := models.CollectorHealthStatus{
		CollectorType:        collectorType,
		Status:               models.HealthHealthy,
		ConsecutiveFailures:  m.executions.ConsecutiveFailures(collectorType),
		SuccessRate24h:       day.SuccessRate,
		AverageExecutionTime: perf.AverageExecutionTime,
		HealthScore:          m.metrics.GetHealthScore(collectorType),
		LastSuccess:          all.LastSuccess,
		Issues:               []string{},
		UpdatedAt:            now,
	}
	if !perf.LastExecutionTime.IsZero() {
		last := perf.LastExecutionTime
		status.LastExecution = &last
	}

	if all.TotalExecutions == 0 {
		status.Status = models.HealthUnknown
		status.Issues = append(status.Issues, "no executions recorded")
		return status
	}

	maxExec := m.cfg.MaxExecutionTime.Seconds()
	switch {
	case status.ConsecutiveFailures >= m.cfg.MaxConsecutiveFailures:
		status.Status = models.HealthCritical
		status.Issues = append(status.Issues, fmt.Sprintf("%d consecutive failures", status.ConsecutiveFailures))
	case day.TotalExecutions > 0 && day.SuccessRate < m.cfg.MinSuccessRate24h:
		status.Status = models.HealthWarning
		status.Issues = append(status.Issues, fmt.Sprintf("24h success rate %.1f%% below %.1f%%", day.SuccessRate, m.cfg.MinSuccessRate24h))
	case status.AverageExecutionTime > maxExec:
		status.Status = models.HealthWarning
		status.Issues = append(status.Issues, fmt.Sprintf("average execution time %.1fs exceeds %.1fs", status.AverageExecutionTime, maxExec))
	case all.LastSuccess != nil && now.Sub(*all.LastSuccess) > m.cfg.StaleThreshold:
		status.Status = models.HealthWarning
		status.Issues = append(status.Issues, fmt.Sprintf("no successful run for %s", now.Sub(*all.LastSuccess).Truncate(time.Minute)))
	}
	return status
}

func (m *Monitor) checkForAlerts(ctx context.Context, status models.CollectorHealthStatus) {
	var level models.AlertLevel
	switch status.Status {
	case models.HealthCritical:
		level = models.AlertCritical
	case models.HealthWarning:
		level = models.AlertWarning
	default:
		return
	}

	now := m.now()
	key := alertKey{collectorType: status.CollectorType, status: status.Status}

	m.mu.Lock()
	if until, ok := m.suppressed[key]; ok {
		if now.Before(until) {
			m.mu.Unlock()
			return
		}
		delete(m.suppressed, key)
	}
	if last, ok := m.cooldowns[key]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.cooldowns[key] = now

	alert := &models.Alert{
		ID:            uuid.New().String(),
		Level:         level,
		CollectorType: status.CollectorType,
		Message:       fmt.Sprintf("collector %s is %s", status.CollectorType, status.Status),
		Timestamp:     now,
		Metadata: map[string]any{
			"status":               string(status.Status),
			"health_score":         status.HealthScore,
			"consecutive_failures": status.ConsecutiveFailures,
			"issues":               append([]string(nil), status.Issues...),
		},
	}
	if len(status.Issues) > 0 {
		alert.Message += ": " + status.Issues[0]
	}
	m.alerts[alert.ID] = alert
	telemetry.AlertsRaised.WithLabelValues(string(level)).Inc()
	handlers := append([]AlertHandler(nil), m.handlers...)
	snapshot := *alert
	m.mu.Unlock()

	m.dispatch(ctx, handlers, snapshot)
}

func (m *Monitor) dispatch(ctx context.Context, handlers []AlertHandler, alert models.Alert) {
	for _, h := range handlers {
		if err := safeHandle(ctx, h, alert); err != nil {
			m.log.Error("alert handler failed",
				logger.String("alert_id", alert.ID),
				logger.String("collector", alert.CollectorType),
				logger.Error(err))
		}
	}
}

func safeHandle(ctx context.Context, h AlertHandler, alert models.Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("alert handler panic: %v", r)
		}
	}()
	return h.HandleAlert(ctx, alert)
}

// SuppressAlerts silences alerts for a collector/status pair until the given time.
func (m *Monitor) SuppressAlerts(collectorType string, status models.HealthState, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressed[alertKey{collectorType: collectorType, status: status}] = until
}

// UnsuppressAlerts lifts a suppression early.
func (m *Monitor) UnsuppressAlerts(collectorType string, status models.HealthState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suppressed, alertKey{collectorType: collectorType, status: status})
}

func (m *Monitor) resolveCollectorAlerts(collectorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, a := range m.alerts {
		if a.CollectorType == collectorType && !a.Resolved {
			a.Resolved = true
			a.ResolvedAt = &now
		}
	}
}

// GetCollectorHealth returns the last computed status of a collector.
func (m *Monitor) GetCollectorHealth(collectorType string) (models.CollectorHealthStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[collectorType]
	return s, ok
}

// AllCollectorHealth returns every computed status keyed by collector type.
func (m *Monitor) AllCollectorHealth() map[string]models.CollectorHealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.CollectorHealthStatus, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// AlertFilter narrows GetAlerts. Zero values match everything.
type AlertFilter struct {
	Level          models.AlertLevel
	CollectorType  string
	UnresolvedOnly bool
}

// GetAlerts returns matching alerts, newest first.
func (m *Monitor) GetAlerts(f AlertFilter) []models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if f.Level != "" && a.Level != f.Level {
			continue
		}
		if f.CollectorType != "" && a.CollectorType != f.CollectorType {
			continue
		}
		if f.UnresolvedOnly && a.Resolved {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// GetAlert returns one alert by id.
func (m *Monitor) GetAlert(id string) (models.Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return models.Alert{}, false
	}
	return *a, true
}

// AcknowledgeAlert marks an alert as seen. Unknown ids return false.
func (m *Monitor) AcknowledgeAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return false
	}
	a.Acknowledged = true
	return true
}

// ResolveAlert marks an alert as resolved. Unknown ids return false.
func (m *Monitor) ResolveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return false
	}
	if !a.Resolved {
		now := m.now()
		a.Resolved = true
		a.ResolvedAt = &now
	}
	return true
}

// CleanupOldAlerts removes resolved alerts older than daysToKeep and returns how many were removed.
func (m *Monitor) CleanupOldAlerts(daysToKeep int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().AddDate(0, 0, -daysToKeep)
	removed := 0
	for id, a := range m.alerts {
		if a.Resolved && a.Timestamp.Before(cutoff) {
			delete(m.alerts, id)
			removed++
		}
	}
	for key, at := range m.cooldowns {
		if at.Before(cutoff) {
			delete(m.cooldowns, key)
		}
	}
	return removed
}

// SystemHealth is the roll-up across collectors.
type SystemHealth struct {
	Status            models.HealthState         `json:"status"`
	TotalCollectors   int                        `json:"total_collectors"`
	StatusCounts      map[models.HealthState]int `json:"status_counts"`
	AverageScore      float64                    `json:"average_health_score"`
	UnresolvedAlerts  int                        `json:"unresolved_alerts"`
	UnresolvedByLevel map[models.AlertLevel]int  `json:"unresolved_by_level"`
	CheckedAt         time.Time                  `json:"checked_at"`
}

// GetSystemHealth rolls up collector statuses; the system is as healthy as its worst collector.
func (m *Monitor) GetSystemHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sh := SystemHealth{
		Status:            models.HealthUnknown,
		StatusCounts:      make(map[models.HealthState]int),
		UnresolvedByLevel: make(map[models.AlertLevel]int),
		CheckedAt:         m.now(),
	}
	var scoreSum float64
	for _, s := range m.statuses {
		sh.TotalCollectors++
		sh.StatusCounts[s.Status]++
		scoreSum += s.HealthScore
		if sh.TotalCollectors == 1 || s.Status.Severity() > sh.Status.Severity() {
			sh.Status = s.Status
		}
	}
	if sh.TotalCollectors > 0 {
		sh.AverageScore = scoreSum / float64(sh.TotalCollectors)
	}
	for _, a := range m.alerts {
		if !a.Resolved {
			sh.UnresolvedAlerts++
			sh.UnresolvedByLevel[a.Level]++
		}
	}
	return sh
}
