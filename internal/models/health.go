package models

import (
	"time"
)

// PerformanceMetrics accumulates per-collector run counters.
type PerformanceMetrics struct {
	CollectorType        string    `json:"collector_type"`
	ExecutionCount       int       `json:"execution_count"`
	TotalExecutionTime   float64   `json:"total_execution_time"`
	TotalRecords         int       `json:"total_records"`
	ErrorCount           int       `json:"error_count"`
	SuccessRate          float64   `json:"success_rate"`
	AverageExecutionTime float64   `json:"average_execution_time"`
	RecordsPerSecond     float64   `json:"records_per_second"`
	LastExecutionTime    time.Time `json:"last_execution_time"`
}

// MetricSample is one point of a per-collector time series.
type MetricSample struct {
	CollectorType string    `json:"collector_type"`
	Metric        string    `json:"metric"`
	Value         float64   `json:"value"`
	Timestamp     time.Time `json:"timestamp"`
}

// HealthState classifies a collector.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthWarning  HealthState = "warning"
	HealthCritical HealthState = "critical"
	HealthUnknown  HealthState = "unknown"
)

// ParseHealthState validates a health state string.
func ParseHealthState(s string) (HealthState, bool) {
	switch HealthState(s) {
	case HealthHealthy, HealthWarning, HealthCritical, HealthUnknown:
		return HealthState(s), true
	}
	return "", false
}

// Severity orders states from best to worst, unknown sitting between healthy and warning.
func (h HealthState) Severity() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthUnknown:
		return 1
	case HealthWarning:
		return 2
	case HealthCritical:
		return 3
	default:
		return 1
	}
}

// CollectorHealthStatus is the derived health of a single collector.
type CollectorHealthStatus struct {
	CollectorType        string      `json:"collector_type"`
	Status               HealthState `json:"status"`
	ConsecutiveFailures  int         `json:"consecutive_failures"`
	SuccessRate24h       float64     `json:"success_rate_24h"`
	AverageExecutionTime float64     `json:"average_execution_time"`
	HealthScore          float64     `json:"health_score"`
	LastSuccess          *time.Time  `json:"last_success,omitempty"`
	LastExecution        *time.Time  `json:"last_execution,omitempty"`
	Issues               []string    `json:"issues"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// AlertLevel is the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// ParseAlertLevel validates a level string.
func ParseAlertLevel(s string) (AlertLevel, bool) {
	switch AlertLevel(s) {
	case AlertInfo, AlertWarning, AlertError, AlertCritical:
		return AlertLevel(s), true
	}
	return "", false
}

// Alert is raised by the health monitor when a collector crosses a threshold.
type Alert struct {
	ID            string         `json:"id"`
	Level         AlertLevel     `json:"level"`
	CollectorType string         `json:"collector_type"`
	Message       string         `json:"message"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Acknowledged  bool           `json:"acknowledged"`
	Resolved      bool           `json:"resolved"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
}

// PerformanceFinding is a single threshold breach reported by the aggregator.
type PerformanceFinding struct {
	CollectorType string  `json:"collector_type"`
	Metric        string  `json:"metric"`
	Value         float64 `json:"value"`
	Threshold     float64 `json:"threshold"`
	Message       string  `json:"message"`
}
