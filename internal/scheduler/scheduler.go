package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/keymat/internal/checks"
	"github.com/rendis/keymat/internal/logging"
	"github.com/rendis/keymat/internal/store"
)

// JobRunner runs one check cycle. Satisfied by *checks.Job.
type JobRunner interface {
	Run(ctx context.Context, trigger string) (*checks.Report, error)
}

// ReportFunc observes every finished run.
type ReportFunc func(*checks.Report, error)

// Scheduler runs a check job on a cron schedule. Runs never overlap: a
// tick that fires while the previous run is still going is skipped.
type Scheduler struct {
	jobMu    sync.RWMutex
	job      JobRunner
	spec     string
	schedule cron.Schedule
	logger   *slog.Logger
	onReport ReportFunc

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc

	inflightMu sync.Mutex
	inflight   bool
	skipped    int
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler validates spec ("@every 1h", "0 * * * *", ...) and creates
// a Scheduler for job.
func NewScheduler(job JobRunner, spec string, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{job: job, spec: spec, schedule: schedule, logger: logger}, nil
}

// OnReport registers a callback invoked after every run, scheduled or not.
func (s *Scheduler) OnReport(fn ReportFunc) {
	s.onReport = fn
}

// SetJob swaps the job run by subsequent ticks. A run in flight keeps the
// job it started with.
func (s *Scheduler) SetJob(job JobRunner) {
	s.jobMu.Lock()
	s.job = job
	s.jobMu.Unlock()
}

func (s *Scheduler) currentJob() JobRunner {
	s.jobMu.RLock()
	defer s.jobMu.RUnlock()
	return s.job
}

// Start launches the cron loop. Runs use a context derived from ctx;
// cancelling ctx stops scheduling new runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.tick(runCtx) }))
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.logger.Info("scheduler started", slog.String("schedule", s.spec))
	return nil
}

// Stop halts scheduling and waits for an in-flight run to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}

	s.cancel()
	<-s.cron.Stop().Done()
	s.cron = nil
	s.cancel = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// Run starts the scheduler, optionally runs once immediately, and blocks
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, immediately bool) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	if immediately {
		s.tick(ctx)
	}
	<-ctx.Done()
	return s.Stop()
}

// NextRun computes the next fire time after from.
func (s *Scheduler) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Skipped is the number of ticks dropped because a run was in flight.
func (s *Scheduler) Skipped() int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return s.skipped
}

// tick runs the job unless a run is already in flight.
func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !s.tryAcquire() {
		s.logger.Warn("previous check run still in flight, skipping tick")
		return
	}
	defer s.release()

	ctx = logging.WithCommand(ctx, "watch")
	report, err := s.currentJob().Run(ctx, store.TriggerSchedule)
	switch {
	case err != nil:
		s.logger.ErrorContext(ctx, "scheduled check run failed", slog.String("error", err.Error()))
	case report.Err() != nil:
		s.logger.WarnContext(ctx, "scheduled check run did not pass", slog.String("error", report.Err().Error()))
	default:
		s.logger.InfoContext(ctx, "scheduled check run passed", slog.String("next", s.NextRun(time.Now()).Format(time.RFC3339)))
	}
	if s.onReport != nil {
		s.onReport(report, err)
	}
}

func (s *Scheduler) tryAcquire() bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight {
		s.skipped++
		return false
	}
	s.inflight = true
	return true
}

func (s *Scheduler) release() {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.inflight = false
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
