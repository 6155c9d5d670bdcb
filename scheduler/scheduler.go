package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs a task on a cron cadence. A firing that arrives while the
// previous run is still going is skipped.
type Scheduler struct {
	cron     *cron.Cron
	mu       sync.Mutex
	entryID  cron.EntryID
	location *time.Location
}

// New creates a Scheduler in the given timezone.
func New(timezone string) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", timezone, err)
	}

	logger := cronLogger{log: slog.Default().With("component", "scheduler")}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	return &Scheduler{
		cron:     c,
		location: loc,
	}, nil
}

// Schedule registers task under a standard five-field cron expression.
// If a previous schedule exists, it is replaced.
func (s *Scheduler) Schedule(expr string, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return fmt.Errorf("adding cron entry %q: %w", expr, err)
	}
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}

	s.entryID = entryID
	slog.Info("cycle scheduled", "cron", expr, "timezone", s.location.String())
	return nil
}

// Next reports when the scheduled task fires next, or the zero time.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Start begins the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running task until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running task: %w", ctx.Err())
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
