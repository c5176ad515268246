// Package scheduler runs background maintenance for the composer engine.
// Uses robfig/cron for cron expression parsing and execution. Jobs are
// in-process functions registered at startup; nothing here is persisted.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// defaultJobTimeout bounds one job execution. Maintenance work is cheap;
// anything slower than this is stuck.
const defaultJobTimeout = 2 * time.Minute

// Handler is one maintenance job body. The context is cancelled when the
// scheduler stops or the job times out.
type Handler func(ctx context.Context) error

// Job couples a cron spec with the function it fires.
type Job struct {
	// Name identifies the job in logs and RunNow calls.
	Name string

	// Spec is the cron expression or shorthand (@daily, @every 5m, ...).
	Spec string

	// Run is the job body.
	Run Handler
}

// Scheduler fires registered maintenance jobs on their cron schedules.
// A job that errors or panics is logged and skipped; it never takes the
// scheduler or its sibling jobs down with it.
type Scheduler struct {
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	jobs    map[string]Job
	cronIDs map[string]cron.EntryID
	running map[string]bool
	cron    *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger.With("component", "scheduler"),
		timeout: defaultJobTimeout,
		jobs:    make(map[string]Job),
		cronIDs: make(map[string]cron.EntryID),
		running: make(map[string]bool),
	}
}

// SetJobTimeout overrides the per-job execution bound.
func (s *Scheduler) SetJobTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.timeout = d
	}
}

// Register adds a job. An empty spec disables the job silently so config
// can turn individual jobs off; a duplicate name is an error. Jobs added
// after Start are scheduled immediately.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %q has no handler", job.Name)
	}
	if job.Spec == "" {
		s.logger.Debug("job disabled by empty spec", "job", job.Name)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	if s.cron != nil {
		if err := s.scheduleLocked(job); err != nil {
			return fmt.Errorf("invalid spec %q for job %q: %w", job.Spec, job.Name, err)
		}
	}
	s.jobs[job.Name] = job
	return nil
}

// Start validates every registered spec and begins firing jobs. Returns an
// error if any spec fails to parse, before anything runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()
	for _, job := range s.jobs {
		if err := s.scheduleLocked(job); err != nil {
			s.cron = nil
			s.cancel()
			return fmt.Errorf("invalid spec %q for job %q: %w", job.Spec, job.Name, err)
		}
	}
	s.cron.Start()

	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop halts scheduling and waits briefly for in-flight jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		stopped := c.Stop()
		select {
		case <-stopped.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("scheduler stop timed out waiting for jobs")
		}
	}
	if cancel != nil {
		cancel()
	}
	s.logger.Info("maintenance scheduler stopped")
}

// RunNow fires a registered job immediately, outside its schedule. Used by
// tests and operator tooling. Returns the job's own error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	return s.execute(ctx, job)
}

// Names returns the registered job names, for introspection.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) scheduleLocked(job Job) error {
	id, err := s.cron.AddFunc(job.Spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		// Errors are logged inside execute; cron callbacks have nowhere
		// to return them.
		_ = s.execute(ctx, job)
	})
	if err != nil {
		return err
	}
	s.cronIDs[job.Name] = id
	return nil
}

// execute runs one job with a duplicate-run guard, a timeout, timing, and
// panic recovery.
func (s *Scheduler) execute(ctx context.Context, job Job) (err error) {
	s.mu.Lock()
	if s.running[job.Name] {
		s.mu.Unlock()
		s.logger.Warn("skipping job, previous run still active", "job", job.Name)
		return nil
	}
	s.running[job.Name] = true
	timeout := s.timeout
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, job.Name)
		s.mu.Unlock()
		if r := recover(); r != nil {
			err = fmt.Errorf("job %q panicked: %v", job.Name, r)
			s.logger.Error("maintenance job panicked", "job", job.Name, "panic", r)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err = job.Run(runCtx)
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Error("maintenance job failed", "job", job.Name, "duration", elapsed, "error", err)
		return err
	}
	s.logger.Debug("maintenance job completed", "job", job.Name, "duration", elapsed)
	return nil
}
