// Package scheduler runs the guard's periodic maintenance: cache sweeps,
// metrics retention and dependency probes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one periodic task. Every is rounded up to whole seconds.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// JobStatus describes a registered job.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Next      time.Time `json:"next"`
	Prev      time.Time `json:"prev,omitempty"`
	Runs      uint64    `json:"runs"`
	Failures  uint64    `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
}

type jobState struct {
	job      Job
	schedule string
	entry    cron.EntryID
	runs     uint64
	failures uint64
	lastErr  string
}

// ErrUnknownJob is returned by RunNow for names never added.
var ErrUnknownJob = errors.New("unknown job")

// Scheduler wraps a cron runner. Overlapping runs of one job are skipped and
// panics are recovered and logged.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	jobs    map[string]*jobState
	running bool
}

// New returns a stopped Scheduler.
func New(logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
		logger: logger,
		ctx:    context.Background(),
		jobs:   make(map[string]*jobState),
	}
}

// Add registers job. A non-positive interval disables it without error.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	if job.Every <= 0 {
		s.logger.Info("job disabled", "job", job.Name)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already added", job.Name)
	}

	every := (job.Every + time.Second - 1).Truncate(time.Second)
	spec := "@every " + every.String()
	st := &jobState{job: job, schedule: spec}
	id, err := s.cron.AddFunc(spec, func() { s.run(st) })
	if err != nil {
		return fmt.Errorf("scheduling job %q: %w", job.Name, err)
	}
	st.entry = id
	s.jobs[job.Name] = st
	return nil
}

func (s *Scheduler) run(st *jobState) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	err := safeRun(ctx, st.job)

	s.mu.Lock()
	st.runs++
	if err != nil {
		st.failures++
		st.lastErr = err.Error()
	} else {
		st.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", "job", st.job.Name, "error", err)
		return
	}
	s.logger.Debug("job completed", "job", st.job.Name, "duration_ms", time.Since(start).Milliseconds())
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return job.Run(ctx)
}

// Start begins running jobs. Jobs receive ctx, and the scheduler stops when
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.running = true
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", n)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunNow runs the named job synchronously on the caller's goroutine.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	st, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	s.run(st)
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.lastErr != "" {
		return errors.New(st.lastErr)
	}
	return nil
}

// Status lists jobs by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, st := range s.jobs {
		e := s.cron.Entry(st.entry)
		out = append(out, JobStatus{
			Name:      st.job.Name,
			Schedule:  st.schedule,
			Next:      e.Next,
			Prev:      e.Prev,
			Runs:      st.runs,
			Failures:  st.failures,
			LastError: st.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
