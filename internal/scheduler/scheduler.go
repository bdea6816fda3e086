// Package scheduler runs the periodic maintenance jobs: the expiration
// sweep and exception-case escalation.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// Job names.
const (
	JobExpirationSweep = schema.StageSweep
	JobCaseEscalation  = "case_escalation"
)

// Job run statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Job is a named task run on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// JobStatus is a snapshot of a registered job.
type JobStatus struct {
	Name          string     `json:"name"`
	Schedule      string     `json:"schedule"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Runs          int        `json:"runs"`
}

type entry struct {
	job      Job
	schedule cron.Schedule
	status   JobStatus
}

// Scheduler polls its jobs and runs the ones that are due.
type Scheduler struct {
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*entry

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr is a schedule Register accepts.
func ValidateSchedule(expr string) error {
	_, err := specParser.Parse(expr)
	return err
}

// NewScheduler creates a Scheduler that checks for due jobs every
// interval. Schedules accept five-field cron expressions and descriptors
// such as "@every 1m".
func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parser:   specParser,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]*entry),
		inflight: make(map[string]struct{}),
	}
}

// SetClock overrides the scheduler's time source. Call it before Register.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Register adds job. Its first run is the schedule's next activation after
// now.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job needs a name and a run function")
	}
	schedule, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %s: parse schedule %q: %s", job.Name, job.Schedule, err.Error()).
			WithCause(err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return schema.NewErrorf(schema.ErrCodeDuplicate, "job %s is already registered", job.Name)
	}
	s.jobs[job.Name] = &entry{
		job:      job,
		schedule: schedule,
		status:   JobStatus{Name: job.Name, Schedule: job.Schedule, NextRunAt: schedule.Next(s.now())},
	}
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Status())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every job that is due, one after another, and returns how many
// ran.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	ran := 0
	for _, e := range s.due(now) {
		if !s.tryAcquire(e.job.Name) {
			continue // already running (dedup)
		}
		s.runJob(ctx, e, now)
		s.releaseJob(e.job.Name)
		ran++
	}
	return ran
}

// RunNow runs the named job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.jobsMu.Lock()
	e, ok := s.jobs[name]
	s.jobsMu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %s is not registered", name)
	}
	if !s.tryAcquire(name) {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %s is already running", name)
	}
	defer s.releaseJob(name)
	return s.runJob(ctx, e, s.now())
}

func (s *Scheduler) due(now time.Time) []*entry {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	var out []*entry
	for _, e := range s.jobs {
		if !e.status.NextRunAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].job.Name < out[j].job.Name })
	return out
}

// runJob executes a job and updates its status.
func (s *Scheduler) runJob(ctx context.Context, e *entry, now time.Time) error {
	log := s.logger.With(slog.String("job", e.job.Name))
	log.Debug("running scheduled job")

	err := e.job.Run(ctx)

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	e.status.LastRunAt = &now
	e.status.NextRunAt = e.schedule.Next(now)
	e.status.Runs++
	e.status.LastRunStatus = StatusSuccess
	e.status.LastError = ""
	if err != nil {
		e.status.LastRunStatus = StatusError
		e.status.LastError = err.Error()
		log.Error("scheduled job failed", slog.String("error", err.Error()))
	}
	return err
}

// Status returns a snapshot of every job, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// Maintainer is the part of the operator API the maintenance jobs call.
type Maintainer interface {
	SweepExpired(ctx context.Context) ([]*schema.Message, error)
	EscalateCases(ctx context.Context) ([]*store.ExceptionCase, error)
}

// Config holds the maintenance schedules.
type Config struct {
	Interval        time.Duration `json:"interval" yaml:"interval"`
	ExpirationSweep string        `json:"expiration_sweep" yaml:"expiration_sweep"`
	CaseEscalation  string        `json:"case_escalation" yaml:"case_escalation"`
}

// DefaultConfig sweeps every minute and escalates every five.
func DefaultConfig() Config {
	return Config{
		Interval:        15 * time.Second,
		ExpirationSweep: "@every 1m",
		CaseEscalation:  "*/5 * * * *",
	}
}

// NewMaintenance creates a Scheduler with the expiration sweep and case
// escalation jobs registered. An empty schedule disables that job.
func NewMaintenance(m Maintainer, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	s := NewScheduler(cfg.Interval, logger)
	return s, s.registerMaintenance(m, cfg)
}

func (s *Scheduler) registerMaintenance(m Maintainer, cfg Config) error {
	if cfg.ExpirationSweep != "" {
		err := s.Register(Job{
			Name:     JobExpirationSweep,
			Schedule: cfg.ExpirationSweep,
			Run: func(ctx context.Context) error {
				_, err := m.SweepExpired(ctx)
				return err
			},
		})
		if err != nil {
			return err
		}
	}
	if cfg.CaseEscalation != "" {
		err := s.Register(Job{
			Name:     JobCaseEscalation,
			Schedule: cfg.CaseEscalation,
			Run: func(ctx context.Context) error {
				_, err := m.EscalateCases(ctx)
				return err
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
