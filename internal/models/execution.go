package models

import (
	"time"
)

// ExecutionStatus enumerates the lifecycle states of a single collector run.
type ExecutionStatus string

const (
	StatusActive    ExecutionStatus = "active"
	StatusSuccess   ExecutionStatus = "success"
	StatusPartial   ExecutionStatus = "partial"
	StatusFailure   ExecutionStatus = "failure"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether the status seals an execution.
func (s ExecutionStatus) Terminal() bool {
	return s != StatusActive && s != ""
}

// Successful reports whether the status counts towards a collector's success rate.
func (s ExecutionStatus) Successful() bool {
	return s == StatusSuccess || s == StatusPartial
}

// CollectionResult is what a collector reports for one run.
type CollectionResult struct {
	CollectorType    string         `json:"collector_type"`
	Success          bool           `json:"success"`
	RecordsCollected int            `json:"records_collected"`
	Errors           []string       `json:"errors,omitempty"`
	Warnings         []string       `json:"warnings,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Payload          Payload        `json:"-"`
	CollectedAt      time.Time      `json:"collected_at"`
}

// ExecutionRecord tracks one run end-to-end.
type ExecutionRecord struct {
	CollectorType    string          `json:"collector_type"`
	ExecutionID      string          `json:"execution_id"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          *time.Time      `json:"end_time,omitempty"`
	Status           ExecutionStatus `json:"status"`
	RecordsCollected int             `json:"records_collected"`
	Errors           []string        `json:"errors,omitempty"`
	Warnings         []string        `json:"warnings,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}

// Duration returns the wall-clock time of a sealed execution, or zero while it is active.
func (r ExecutionRecord) Duration() time.Duration {
	if r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// ExecutionStatistics summarises a filtered set of execution records.
type ExecutionStatistics struct {
	TotalExecutions       int                     `json:"total_executions"`
	SuccessfulExecutions  int                     `json:"successful_executions"`
	FailedExecutions      int                     `json:"failed_executions"`
	SuccessRate           float64                 `json:"success_rate"`
	AverageDuration       float64                 `json:"average_duration"`
	TotalRecordsCollected int                     `json:"total_records_collected"`
	StatusCounts          map[ExecutionStatus]int `json:"status_counts"`
	LastSuccess           *time.Time              `json:"last_success,omitempty"`
}
