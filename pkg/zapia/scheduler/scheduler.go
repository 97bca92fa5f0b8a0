// Package scheduler runs the bot's periodic maintenance jobs (history
// cleanup, backups, summarization, health checks) on robfig/cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds a single job execution.
const DefaultJobTimeout = 5 * time.Minute

// minJobInterval is the minimum time between consecutive executions of the
// same job. Stops cron from firing twice on the same second boundary.
const minJobInterval = 2 * time.Second

// RunFunc is the body of a job.
type RunFunc func(ctx context.Context) error

// Job is a named periodic task.
type Job struct {
	// Name identifies the job in logs and in RunNow.
	Name string

	// Schedule is a 5-field cron expression or a descriptor
	// (@hourly, @every 30m, ...).
	Schedule string

	// Timeout overrides the scheduler job timeout.
	Timeout time.Duration

	Run RunFunc
}

// JobStatus reports the last execution of a job.
type JobStatus struct {
	Name            string        `json:"name"`
	Schedule        string        `json:"schedule"`
	Running         bool          `json:"running"`
	RunCount        int           `json:"run_count"`
	LastRunAt       time.Time     `json:"last_run_at,omitempty"`
	LastRunDuration time.Duration `json:"last_run_duration,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	NextRunAt       time.Time     `json:"next_run_at,omitempty"`
}

// entry is the scheduler's bookkeeping for one job.
type entry struct {
	job     Job
	cronID  cron.EntryID
	running bool
	status  JobStatus
}

// Scheduler manages periodic jobs.
type Scheduler struct {
	// jobs stores registered jobs by name.
	jobs map[string]*entry

	cron *cron.Cron

	// jobTimeout is the default maximum time a single job execution can
	// take.
	jobTimeout time.Duration

	logger *slog.Logger
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. A non-positive jobTimeout uses
// DefaultJobTimeout.
func New(jobTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs: make(map[string]*entry),
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		jobTimeout: jobTimeout,
		logger:     logger.With("component", "scheduler"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Add registers a job. Name, schedule and run function are required.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already exists", job.Name)
	}
	if job.Schedule == "" {
		return fmt.Errorf("job %q: schedule is required", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %q: run function is required", job.Name)
	}

	e := &entry{
		job:    job,
		status: JobStatus{Name: job.Name, Schedule: job.Schedule},
	}
	id, err := s.cron.AddFunc(job.Schedule, func() {
		s.execute(s.ctx, e, true)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
	}
	e.cronID = id
	s.jobs[job.Name] = e

	s.logger.Info("job added", "name", job.Name, "schedule", job.Schedule)
	return nil
}

// Remove deletes a job by name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.cron.Remove(e.cronID)
	delete(s.jobs, name)

	s.logger.Info("job removed", "name", name)
	return nil
}

// List returns the status of every job, sorted by name.
func (s *Scheduler) List() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		st := e.status
		st.Running = e.running
		st.NextRunAt = s.cron.Entry(e.cronID).Next
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start starts firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()

	s.mu.RLock()
	count := len(s.jobs)
	s.mu.RUnlock()

	s.logger.Info("scheduler started", "jobs", count)
}

// Stop stops firing jobs and waits for running ones to finish, up to
// 10 seconds. Jobs still running after that see their context cancelled.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.cancel()
	s.logger.Info("scheduler stopped")
}

// RunNow executes a job immediately on the caller's goroutine, with the
// same overlap guard as scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	e, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	return s.execute(ctx, e, false)
}

// execute runs a job with safety guards:
// overlapping runs of the same job are skipped, panics are recovered and
// a timeout bounds the run. Scheduled fires are also skipped when the job
// ran less than minJobInterval ago.
func (s *Scheduler) execute(parent context.Context, e *entry, scheduled bool) (err error) {
	name := e.job.Name

	s.mu.Lock()
	if e.running {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "name", name)
		return nil
	}
	if !e.status.LastRunAt.IsZero() && time.Since(e.status.LastRunAt) < minJobInterval && scheduled {
		s.mu.Unlock()
		s.logger.Debug("skipping job (ran too recently)", "name", name)
		return nil
	}
	e.running = true
	e.status.LastRunAt = time.Now()
	e.status.RunCount++
	s.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked",
				"name", name,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("job %q panicked: %v", name, r)
		}

		s.mu.Lock()
		e.running = false
		e.status.LastRunDuration = time.Since(start)
		if err != nil {
			e.status.LastError = err.Error()
		} else {
			e.status.LastError = ""
		}
		s.mu.Unlock()
	}()

	timeout := s.jobTimeout
	if e.job.Timeout > 0 {
		timeout = e.job.Timeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	s.logger.Debug("executing scheduled job", "name", name)
	err = e.job.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled job failed",
			"name", name, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("scheduled job completed", "name", name, "duration", time.Since(start))
	return nil
}
