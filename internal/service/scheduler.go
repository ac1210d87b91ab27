package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/timmy/webindex/internal/logger"
)

// SchedulerConfig holds cron schedules for the maintenance tasks. They accept
// the standard 5-field format and descriptors such as "@every 5m".
type SchedulerConfig struct {
	ReaperSchedule  string
	SweeperSchedule string
	// RunTimeout bounds a single task run; zero means 10 minutes.
	RunTimeout time.Duration
}

// Scheduler runs the reaper and the retention sweeper on cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	reaper  *Reaper
	sweeper *Sweeper
	logger  *logger.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a Scheduler and registers both tasks.
// Parameters:
//   - reaper: zombie reaper.
//   - sweeper: retention sweeper.
//   - log: logger for task output and cron's own messages.
//   - cfg: schedules.
//
// Returns:
//   - *Scheduler: scheduler ready to Start.
//   - error: non-nil if a schedule does not parse.
func NewScheduler(reaper *Reaper, sweeper *Sweeper, log *logger.Logger, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	cl := cronLogger{log: log}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    c,
		reaper:  reaper,
		sweeper: sweeper,
		logger:  log,
		timeout: cfg.RunTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}

	if _, err := c.AddFunc(cfg.ReaperSchedule, s.runReaper); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", cfg.ReaperSchedule, err)
	}
	if _, err := c.AddFunc(cfg.SweeperSchedule, s.runSweeper); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.SweeperSchedule, err)
	}
	return s, nil
}

// Start starts the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.WithField("entries", len(s.cron.Entries())).Info("Starting maintenance scheduler")
	s.cron.Start()
}

// Stop cancels running tasks and waits for them, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runReaper() {
	ctx, cancel := context.WithTimeout(s.logger.WithContext(s.ctx), s.timeout)
	defer cancel()
	res, err := s.reaper.Reap(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Reaper run failed")
		return
	}
	if res.Jobs > 0 || res.Requeued > 0 || res.Crawls > 0 {
		s.logger.WithFields(logger.Fields{
			"jobs":     res.Jobs,
			"requeued": res.Requeued,
			"crawls":   res.Crawls,
		}).Info("Reaper run finished")
	}
}

func (s *Scheduler) runSweeper() {
	ctx, cancel := context.WithTimeout(s.logger.WithContext(s.ctx), s.timeout)
	defer cancel()
	if _, err := s.sweeper.Sweep(ctx); err != nil {
		s.logger.WithError(err).Error("Retention sweep failed")
	}
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []interface{}) logger.Fields {
	fields := make(logger.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields[key] = kv[i+1]
	}
	return fields
}
