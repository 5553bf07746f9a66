// Package schedule fires publish cycles and pool resets on cron schedules and
// exposes the same cycle for manual triggering.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/DeafMist/post-relay/internal/logger"
	"github.com/DeafMist/post-relay/internal/publish"
)

// Runner is what the scheduler drives.
type Runner interface {
	RunCycle(ctx context.Context) (publish.Report, error)
	ResetPool(ctx context.Context) (int, error)
}

// Scheduler owns the cron instance. Cycles, resets and manual triggers are
// serialized so at most one runs at a time.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	log    *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
}

// New registers the cycle job on cycleSpec and the reset job on resetSpec.
// An empty resetSpec disables the scheduled reset; exhaustion still resets.
func New(runner Runner, cycleSpec, resetSpec string, log *slog.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("schedule: runner is required")
	}
	log = logger.OrDiscard(log)
	cl := cronLogger{log: log}

	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		runner:  runner,
		log:     log,
		baseCtx: context.Background(),
	}

	if _, err := s.cron.AddFunc(cycleSpec, s.cycleJob); err != nil {
		return nil, fmt.Errorf("schedule cycle %q: %w", cycleSpec, err)
	}
	if resetSpec != "" {
		if _, err := s.cron.AddFunc(resetSpec, s.resetJob); err != nil {
			return nil, fmt.Errorf("schedule reset %q: %w", resetSpec, err)
		}
	}
	return s, nil
}

// Start begins firing jobs. ctx is handed to every job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started", slog.Int("jobs", len(s.cron.Entries())))
}

// Stop stops scheduling and waits for a running job, or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running job: %w", ctx.Err())
	}
}

// Trigger runs exactly one cycle now and returns its result.
func (s *Scheduler) Trigger(ctx context.Context) (publish.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Info("manual cycle triggered")
	return s.runner.RunCycle(ctx)
}

// Reset runs the pool reset now.
func (s *Scheduler) Reset(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner.ResetPool(ctx)
}

func (s *Scheduler) cycleJob() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.runner.RunCycle(s.baseCtx); err != nil {
		s.log.Error("scheduled cycle", slog.Any("err", err))
	}
}

func (s *Scheduler) resetJob() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.runner.ResetPool(s.baseCtx)
	if err != nil {
		s.log.Error("scheduled reset", slog.Any("err", err), slog.Int("reset", n))
		return
	}
	s.log.Info("scheduled reset", slog.Int("reset", n))
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append([]any{slog.Any("err", err)}, keysAndValues...)...)
}
