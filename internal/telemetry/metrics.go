package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_job_runs_total", Help: "Collector runs by outcome",
	}, []string{"collector", "outcome"})
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "collector_job_duration_seconds", Help: "Collector run wall-clock time",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"collector"})
	JobsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_job_skipped_total", Help: "Triggers skipped because the job was busy or misfired",
	}, []string{"collector", "reason"})
	JobRecoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_job_recoveries_total", Help: "Error recovery cycles started",
	}, []string{"collector"})
	RunningJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_jobs_running", Help: "Collector runs currently in flight",
	})
	BatchFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_flushes_total", Help: "Batch flushes by outcome",
	}, []string{"writer", "outcome"})
	BatchFlushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "batch_flush_duration_seconds", Help: "Time spent storing one batch including retries",
	}, []string{"writer"})
	RecordsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "store_records_stored_total", Help: "Records newly inserted by entity",
	}, []string{"entity"})
	RecordsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "store_records_rejected_total", Help: "Records dropped by validation",
	}, []string{"entity"})
	LockRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "store_lock_retries_total", Help: "Write transactions retried after lock contention",
	})
	AlertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_raised_total", Help: "Alerts raised by level",
	}, []string{"level"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobRuns,
			JobDuration,
			JobsSkipped,
			JobRecoveries,
			RunningJobs,
			BatchFlushes,
			BatchFlushDuration,
			RecordsStored,
			RecordsRejected,
			LockRetries,
			AlertsRaised,
		)
	})
	return promhttp.Handler()
}

// ObserveRun records the outcome of one collector run.
func ObserveRun(collector string, d time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	JobRuns.WithLabelValues(collector, outcome).Inc()
	JobDuration.WithLabelValues(collector).Observe(d.Seconds())
}

// ObserveFlush records one batch flush.
func ObserveFlush(writer string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	BatchFlushes.WithLabelValues(writer, outcome).Inc()
	BatchFlushDuration.WithLabelValues(writer).Observe(d.Seconds())
}
