// Package scheduler drives collectors on interval triggers and feeds every
// run into monitoring and persistence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"market-data-collector/internal/collector"
	"market-data-collector/internal/logger"
	"market-data-collector/internal/models"
	"market-data-collector/internal/telemetry"
)

var (
	ErrInvalidInterval  = errors.New("invalid interval")
	ErrJobNotFound      = errors.New("job not found")
	ErrJobExists        = errors.New("job already registered")
	ErrCollectorFailure = errors.New("collector failure")
	ErrStopping         = errors.New("scheduler is stopping")
)

// State is the process-wide scheduler state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

var transitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateError},
	StateRunning:  {StateStopping, StateError},
	StateStopping: {StateStopped, StateError},
	StateError:    {StateStarting, StateStopping},
}

// Monitor receives the lifecycle of every run.
type Monitor interface {
	StartExecution(collectorType string, metadata map[string]any) (string, error)
	CompleteExecution(ctx context.Context, executionID string, result models.CollectionResult, duration time.Duration) (models.CollectorHealthStatus, error)
	AbortExecution(ctx context.Context, executionID string, cause error, duration time.Duration) (models.CollectorHealthStatus, error)
	RefreshHealth(ctx context.Context) map[string]models.CollectorHealthStatus
}

// Sink persists the payload of successful runs.
type Sink interface {
	Persist(ctx context.Context, result models.CollectionResult) (int, error)
}

// Config holds the scheduler-wide failure and health-check policy.
type Config struct {
	MaxConsecutiveErrors int
	ErrorRecoveryDelay   time.Duration
	HealthCheckInterval  time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveErrors: 5,
		ErrorRecoveryDelay:   60 * time.Second,
		HealthCheckInterval:  300 * time.Second,
	}
}

// Scheduler owns the job table and the cron trigger runner.
type Scheduler struct {
	cfg     Config
	monitor Monitor
	sink    Sink
	log     logger.Logger

	mu     sync.Mutex
	state  State
	jobs   map[string]*job
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	// runs tracks admitted collector runs; wg tracks the health loop and recovery waits.
	runs sync.WaitGroup
	wg   sync.WaitGroup

	now func() time.Time
}

// New builds a stopped scheduler. sink may be nil.
func New(cfg Config, monitor Monitor, sink Sink, log logger.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if cfg.ErrorRecoveryDelay <= 0 {
		cfg.ErrorRecoveryDelay = def.ErrorRecoveryDelay
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	return &Scheduler{
		cfg:     cfg,
		monitor: monitor,
		sink:    sink,
		log:     log,
		state:   StateStopped,
		jobs:    make(map[string]*job),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// State returns the current process state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transitionLocked moves to next if allowed. Disallowed moves are logged and ignored.
func (s *Scheduler) transitionLocked(next State) bool {
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.log.Debug("scheduler state", logger.String("from", string(s.state)), logger.String("to", string(next)))
			s.state = next
			return true
		}
	}
	s.log.Warn("ignoring scheduler state transition",
		logger.String("from", string(s.state)),
		logger.String("to", string(next)))
	return false
}

// Register adds a job for the collector. The job id is the collector type.
func (s *Scheduler) Register(c collector.Collector, interval string, opts JobOptions) (string, error) {
	d, err := ParseInterval(interval)
	if err != nil {
		return "", err
	}
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := c.Type()
	if _, exists := s.jobs[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	j := &job{
		id:           id,
		collector:    c,
		spec:         interval,
		interval:     d,
		opts:         opts,
		slots:        make(chan struct{}, opts.MaxInstances),
		registeredAt: s.now(),
	}
	s.jobs[id] = j
	if s.state == StateRunning && j.opts.Enabled {
		if err := s.installLocked(j); err != nil {
			delete(s.jobs, id)
			return "", err
		}
	}
	s.log.Info("job registered",
		logger.String("job_id", id),
		logger.String("interval", interval),
		logger.Bool("enabled", opts.Enabled))
	return id, nil
}

// Unregister removes a job and its trigger, abandoning any pending recovery.
func (s *Scheduler) Unregister(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	s.stopRecoveryLocked(j)
	s.removeLocked(j)
	delete(s.jobs, jobID)
	s.log.Info("job unregistered", logger.String("job_id", jobID))
	return true
}

// Enable turns a job on, installing its trigger if the scheduler is running.
// Enabling a job that is waiting out an error recovery ends the wait early.
func (s *Scheduler) Enable(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if j.recovering {
		s.stopRecoveryLocked(j)
		j.consecutiveErrors = 0
	}
	j.opts.Enabled = true
	if s.state == StateRunning {
		return s.installLocked(j)
	}
	return nil
}

// Disable turns a job off and removes its trigger, keeping its state.
// A pending error recovery is abandoned so the job stays off.
func (s *Scheduler) Disable(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	s.stopRecoveryLocked(j)
	j.opts.Enabled = false
	s.removeLocked(j)
	return nil
}

func (s *Scheduler) installLocked(j *job) error {
	if j.scheduled {
		return nil
	}
	if j.interval < time.Second {
		return fmt.Errorf("%w: %s is below the one second trigger resolution", ErrInvalidInterval, j.spec)
	}
	j.entryID = s.cron.Schedule(cron.Every(j.interval), cron.FuncJob(func() { s.trigger(j) }))
	j.scheduled = true
	return nil
}

func (s *Scheduler) removeLocked(j *job) {
	if !j.scheduled {
		return
	}
	if s.cron != nil {
		s.cron.Remove(j.entryID)
	}
	j.scheduled = false
	j.entryID = 0
}

// Start installs triggers for enabled jobs and begins the health-check loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transitionLocked(StateStarting) {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{log: s.log})))
	for _, j := range s.sortedJobsLocked() {
		j.scheduled = false
		if !j.opts.Enabled {
			continue
		}
		if err := s.installLocked(j); err != nil {
			s.cancel()
			s.transitionLocked(StateError)
			return fmt.Errorf("install trigger for %s: %w", j.id, err)
		}
	}
	s.cron.Start()
	s.transitionLocked(StateRunning)

	s.wg.Add(1)
	go s.healthLoop(s.ctx)

	s.log.Info("scheduler started", logger.Int("jobs", len(s.jobs)))
	return nil
}

// Stop stops admitting runs, cancels recovery waits, and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.transitionLocked(StateStopping) {
		s.mu.Unlock()
		return
	}
	for _, j := range s.jobs {
		s.stopRecoveryLocked(j)
		j.scheduled = false
		j.entryID = 0
	}
	cancel, c := s.cancel, s.cron
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	s.runs.Wait()
	s.wg.Wait()

	s.mu.Lock()
	s.transitionLocked(StateStopped)
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
}

// trigger is the cron callback for a job.
func (s *Scheduler) trigger(j *job) {
	firedAt := time.Now()

	s.mu.Lock()
	if s.state != StateRunning || s.jobs[j.id] != j || !j.opts.Enabled {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.runs.Add(1)
	s.mu.Unlock()
	defer s.runs.Done()

	select {
	case j.slots <- struct{}{}:
	default:
		if j.opts.Coalesce {
			telemetry.JobsSkipped.WithLabelValues(j.id, "coalesced").Inc()
			s.log.Info("skipping trigger, previous run still in flight",
				logger.String("job_id", j.id),
				logger.Int("max_instances", j.opts.MaxInstances))
			return
		}
		select {
		case j.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}
	defer func() { <-j.slots }()

	if late := time.Since(firedAt); j.opts.MisfireGrace > 0 && late > j.opts.MisfireGrace {
		telemetry.JobsSkipped.WithLabelValues(j.id, "misfire").Inc()
		s.log.Warn("skipping misfired trigger",
			logger.String("job_id", j.id),
			logger.Duration("late", late),
			logger.Duration("grace", j.opts.MisfireGrace))
		return
	}

	// In-flight runs are allowed to finish after Stop, so they do not inherit its cancellation.
	if _, err := s.runJob(context.WithoutCancel(ctx), j, "schedule"); err != nil {
		s.log.Warn("scheduled run failed", logger.String("job_id", j.id), logger.Error(err))
	}
}

// ExecuteNow runs a job immediately, bypassing its trigger but not its instance limit.
func (s *Scheduler) ExecuteNow(ctx context.Context, jobID string) (models.CollectionResult, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return models.CollectionResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if s.state == StateStopping {
		s.mu.Unlock()
		return models.CollectionResult{}, ErrStopping
	}
	s.runs.Add(1)
	s.mu.Unlock()
	defer s.runs.Done()

	select {
	case j.slots <- struct{}{}:
	case <-ctx.Done():
		return models.CollectionResult{}, ctx.Err()
	}
	defer func() { <-j.slots }()

	return s.runJob(ctx, j, "manual")
}

// runJob executes one collection and records it everywhere. The returned error
// wraps ErrCollectorFailure when the run failed.
func (s *Scheduler) runJob(ctx context.Context, j *job, trigger string) (models.CollectionResult, error) {
	ct := j.collector.Type()
	execID, err := s.monitor.StartExecution(ct, map[string]any{"job_id": j.id, "trigger": trigger})
	if err != nil {
		return models.CollectionResult{}, fmt.Errorf("start execution: %w", err)
	}

	telemetry.RunningJobs.Inc()
	start := s.now()
	result, runErr := collect(ctx, j.collector)
	duration := time.Since(start)
	telemetry.RunningJobs.Dec()

	if result.CollectorType == "" {
		result.CollectorType = ct
	}
	if runErr != nil {
		result.Success = false
		result.Errors = append(result.Errors, runErr.Error())
		runErr = fmt.Errorf("%w: %s: %w", ErrCollectorFailure, ct, runErr)
	} else if !result.Success {
		runErr = fmt.Errorf("%w: %s: %s", ErrCollectorFailure, ct, strings.Join(result.Errors, "; "))
	}

	if cause := abortCause(ctx, runErr); cause != nil {
		if _, err := s.monitor.AbortExecution(ctx, execID, cause, duration); err != nil {
			s.log.Warn("could not abort execution", logger.String("execution_id", execID), logger.Error(err))
		}
	} else if _, err := s.monitor.CompleteExecution(ctx, execID, result, duration); err != nil {
		s.log.Warn("could not complete execution", logger.String("execution_id", execID), logger.Error(err))
	}
	telemetry.ObserveRun(ct, duration, runErr == nil)
	s.recordOutcome(j, start, runErr)

	if runErr == nil && s.sink != nil && result.Payload.Len() > 0 {
		if n, err := s.sink.Persist(ctx, result); err != nil {
			s.log.Error("persist payload failed", logger.String("job_id", j.id), logger.Error(err))
		} else {
			s.log.Debug("payload buffered", logger.String("job_id", j.id), logger.Int("stored_now", n))
		}
	}

	s.log.Info("collector run finished",
		logger.String("job_id", j.id),
		logger.String("execution_id", execID),
		logger.Bool("success", runErr == nil),
		logger.Int("records", result.RecordsCollected),
		logger.Duration("duration", duration))
	return result, runErr
}

// abortCause reports the context error that ended a failed run, if any.
func abortCause(ctx context.Context, runErr error) error {
	if runErr == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	switch {
	case errors.Is(runErr, context.DeadlineExceeded):
		return context.DeadlineExceeded
	case errors.Is(runErr, context.Canceled):
		return context.Canceled
	}
	return nil
}

func collect(ctx context.Context, c collector.Collector) (res models.CollectionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector panic: %v", r)
		}
	}()
	return c.Collect(ctx)
}

// recordOutcome updates the job's counters and starts a recovery cycle once
// consecutive failures reach the limit.
func (s *Scheduler) recordOutcome(j *job, start time.Time, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j.lastRun = start
	if runErr == nil {
		j.lastSuccess = start
		j.consecutiveErrors = 0
		return
	}
	if errors.Is(runErr, context.Canceled) {
		return
	}
	j.errorCount++
	j.consecutiveErrors++
	if j.consecutiveErrors < s.cfg.MaxConsecutiveErrors || j.recovering {
		return
	}
	if s.state != StateRunning || s.jobs[j.id] != j {
		return
	}

	j.recovering = true
	j.opts.Enabled = false
	s.removeLocked(j)
	telemetry.JobRecoveries.WithLabelValues(j.id).Inc()
	s.log.Warn("disabling job after consecutive failures",
		logger.String("job_id", j.id),
		logger.Int("consecutive_errors", j.consecutiveErrors),
		logger.Duration("recovery_delay", s.cfg.ErrorRecoveryDelay))

	rctx, cancel := context.WithCancel(s.ctx)
	j.cancelRecovery = cancel
	s.wg.Add(1)
	go s.awaitRecovery(rctx, j)
}

func (s *Scheduler) awaitRecovery(ctx context.Context, j *job) {
	defer s.wg.Done()
	t := time.NewTimer(s.cfg.ErrorRecoveryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil || s.state != StateRunning || s.jobs[j.id] != j || !j.recovering {
		return
	}
	j.recovering = false
	j.cancelRecovery = nil
	j.consecutiveErrors = 0
	j.opts.Enabled = true
	if err := s.installLocked(j); err != nil {
		s.log.Error("re-enable after recovery failed", logger.String("job_id", j.id), logger.Error(err))
		return
	}
	s.log.Info("job re-enabled after recovery", logger.String("job_id", j.id))
}

func (s *Scheduler) stopRecoveryLocked(j *job) {
	if j.cancelRecovery != nil {
		j.cancelRecovery()
		j.cancelRecovery = nil
	}
	j.recovering = false
}

func (s *Scheduler) healthLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth(ctx)
		}
	}
}

// checkHealth logs stale jobs and refreshes collector health. It never changes job state.
func (s *Scheduler) checkHealth(ctx context.Context) {
	now := s.now()
	var stale []string
	s.mu.Lock()
	for _, j := range s.sortedJobsLocked() {
		if !j.opts.Enabled {
			continue
		}
		since := j.lastRun
		if since.IsZero() {
			since = j.registeredAt
		}
		if now.Sub(since) > 2*j.interval {
			stale = append(stale, j.id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.log.Warn("job has not run for over two intervals", logger.String("job_id", id))
	}
	statuses := s.monitor.RefreshHealth(ctx)
	s.log.Debug("health check complete", logger.Int("collectors", len(statuses)), logger.Int("stale_jobs", len(stale)))
}

// GetStatus returns the job table with counts.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state, TotalJobs: len(s.jobs), Jobs: make([]JobStatus, 0, len(s.jobs))}
	for _, j := range s.sortedJobsLocked() {
		js := JobStatus{
			ID:                j.id,
			Collector:         j.collector.Type(),
			Interval:          j.spec,
			Enabled:           j.opts.Enabled,
			MaxInstances:      j.opts.MaxInstances,
			Coalesce:          j.opts.Coalesce,
			MisfireGrace:      j.opts.MisfireGrace.String(),
			LastRun:           timePtr(j.lastRun),
			LastSuccess:       timePtr(j.lastSuccess),
			ErrorCount:        j.errorCount,
			ConsecutiveErrors: j.consecutiveErrors,
			Running:           len(j.slots),
			Recovering:        j.recovering,
		}
		if j.scheduled && s.cron != nil {
			js.NextRun = timePtr(s.cron.Entry(j.entryID).Next)
		}
		if js.Enabled {
			st.EnabledJobs++
		}
		st.RunningJobs += js.Running
		st.Jobs = append(st.Jobs, js)
	}
	return st
}

func (s *Scheduler) sortedJobsLocked() []*job {
	out := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out
}
