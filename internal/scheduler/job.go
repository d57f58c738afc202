package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"market-data-collector/internal/collector"
)

// JobOptions are the per-job trigger settings passed to Register.
type JobOptions struct {
	Enabled      bool
	MaxInstances int
	// Coalesce skips a trigger while MaxInstances runs are in flight instead of queueing it.
	Coalesce bool
	// MisfireGrace is how late a queued trigger may start before it is dropped. Zero disables the check.
	MisfireGrace time.Duration
}

// DefaultJobOptions returns enabled, single-instance, coalescing options.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Enabled:      true,
		MaxInstances: 1,
		Coalesce:     true,
		MisfireGrace: 5 * time.Minute,
	}
}

type job struct {
	id        string
	collector collector.Collector
	spec      string
	interval  time.Duration
	opts      JobOptions
	// slots bounds concurrent runs to opts.MaxInstances.
	slots chan struct{}

	lastRun           time.Time
	lastSuccess       time.Time
	errorCount        int
	consecutiveErrors int
	registeredAt      time.Time

	entryID   cron.EntryID
	scheduled bool

	recovering     bool
	cancelRecovery context.CancelFunc
}

// JobStatus is the operator view of one job.
type JobStatus struct {
	ID                string     `json:"job_id"`
	Collector         string     `json:"collector"`
	Interval          string     `json:"interval"`
	Enabled           bool       `json:"enabled"`
	MaxInstances      int        `json:"max_instances"`
	Coalesce          bool       `json:"coalesce"`
	MisfireGrace      string     `json:"misfire_grace"`
	LastRun           *time.Time `json:"last_run,omitempty"`
	LastSuccess       *time.Time `json:"last_success,omitempty"`
	NextRun           *time.Time `json:"next_run,omitempty"`
	ErrorCount        int        `json:"error_count"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	Running           int        `json:"running"`
	Recovering        bool       `json:"recovering"`
}

// Status is the scheduler-wide view returned by GetStatus.
type Status struct {
	State       State       `json:"state"`
	TotalJobs   int         `json:"total_jobs"`
	EnabledJobs int         `json:"enabled_jobs"`
	RunningJobs int         `json:"running_jobs"`
	Jobs        []JobStatus `json:"jobs"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
