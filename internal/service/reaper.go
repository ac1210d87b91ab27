package service

import (
	"context"
	"time"

	"github.com/timmy/webindex/internal/domain"
	"github.com/timmy/webindex/internal/logger"
	"github.com/timmy/webindex/internal/queue"
	"github.com/timmy/webindex/internal/repository"
	"github.com/timmy/webindex/internal/telemetry"
)

const defaultMaintenanceBatch = 500

// ReapResult counts what one reaper pass declared dead or sent back to
// the queue.
type ReapResult struct {
	Jobs     int `json:"jobs"`
	Requeued int `json:"requeued"`
	Crawls   int `json:"crawls"`
}

// Reaper fails jobs and crawl sessions that stopped making progress.
type Reaper struct {
	jobs      *repository.JobRepository
	sessions  *repository.CrawlSessionRepository
	queue     queue.Queue
	tracker   *CrawlTracker
	recorder  *MetricsRecorder
	telemetry *telemetry.Provider
	timeout   time.Duration
	batch     int
	now       func() time.Time
}

// NewReaper creates a Reaper. tracker may be nil; when set, reaped crawl
// sessions get their aggregates recomputed. q may be nil; then jobs whose
// message was lost are marked dead instead of re-enqueued.
func NewReaper(
	jobs *repository.JobRepository,
	sessions *repository.CrawlSessionRepository,
	q queue.Queue,
	tracker *CrawlTracker,
	recorder *MetricsRecorder,
	tel *telemetry.Provider,
	timeout time.Duration,
) *Reaper {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Reaper{
		jobs:      jobs,
		sessions:  sessions,
		queue:     q,
		tracker:   tracker,
		recorder:  recorder,
		telemetry: tel,
		timeout:   timeout,
		batch:     defaultMaintenanceBatch,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Reap runs one pass. Jobs running for longer than the timeout become
// failed_dead with reason timeout. Queued and failed_retry jobs untouched
// for longer than the timeout are re-enqueued from their stored payload
// and checkpoint. In-progress crawls with no activity for longer than the
// timeout become failed.
func (r *Reaper) Reap(ctx context.Context) (ReapResult, error) {
	var res ReapResult
	ctx = logger.SetComponent(ctx, "reaper")
	now := r.now()
	cutoff := now.Add(-r.timeout)

	if err := r.reapRunning(ctx, now, cutoff, &res); err != nil {
		return res, err
	}
	if err := r.recoverWaiting(ctx, now, cutoff, &res); err != nil {
		return res, err
	}

	stale, err := r.sessions.FindStaleInProgress(ctx, cutoff, r.batch)
	if err != nil {
		return res, err
	}
	for _, session := range stale {
		changed, err := r.sessions.MarkTimedOut(ctx, session.CrawlID, now)
		if err != nil {
			return res, err
		}
		if !changed {
			continue
		}
		res.Crawls++
		r.recorder.Record(&domain.OperationMetric{
			OperationType: domain.OpReaper,
			OperationName: "crawl_timeout",
			DurationMs:    now.Sub(session.StartedAt).Milliseconds(),
			Success:       true,
			CrawlID:       domain.StringPtr(session.CrawlID),
			Timestamp:     now,
		})
		if r.tracker != nil {
			if _, err := r.tracker.Recompute(ctx, session.CrawlID); err != nil {
				logger.FromContext(ctx).WithError(err).WithField(logger.FieldCrawlID, session.CrawlID).
					Warn("Failed to aggregate reaped crawl session")
			}
		}
		logger.With(logger.Fields{logger.FieldCrawlID: session.CrawlID}).Warn(ctx, "Reaped stalled crawl session")
	}

	r.telemetry.RecordReaped("job", res.Jobs)
	r.telemetry.RecordReaped("requeue", res.Requeued)
	r.telemetry.RecordReaped("crawl", res.Crawls)
	return res, nil
}

func (r *Reaper) reapRunning(ctx context.Context, now, cutoff time.Time, res *ReapResult) error {
	for {
		stale, err := r.jobs.FindStaleRunning(ctx, cutoff, r.batch)
		if err != nil {
			return err
		}
		reaped := 0
		for _, job := range stale {
			changed, err := r.jobs.ReapStale(ctx, job.ID, cutoff)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			reaped++
			r.recorder.Record(&domain.OperationMetric{
				OperationType: domain.OpWorker,
				OperationName: "reaper_timeout",
				DurationMs:    now.Sub(job.TransitionedAt).Milliseconds(),
				Success:       false,
				ErrorKind:     domain.FailureReasonTimeout,
				CrawlID:       domain.StringPtr(job.CrawlID),
				DocumentURL:   domain.StringPtr(job.DocumentURL),
				Timestamp:     now,
			})
			logger.With(logger.Fields{
				logger.FieldJobID:       job.ID,
				logger.FieldDocumentURL: job.DocumentURL,
				logger.FieldAttempt:     job.Attempt,
			}).Warn(ctx, "Reaped stalled indexing job")
		}
		res.Jobs += reaped
		if len(stale) < r.batch || reaped == 0 {
			break
		}
	}
	return nil
}

// recoverWaiting re-enqueues jobs that wait for a message nobody holds any
// more. Without a queue, or when the enqueue fails, the job is marked dead
// so the failure is visible.
func (r *Reaper) recoverWaiting(ctx context.Context, now, cutoff time.Time, res *ReapResult) error {
	for {
		stale, err := r.jobs.FindStaleWaiting(ctx, cutoff, r.batch)
		if err != nil {
			return err
		}
		handled := 0
		for _, job := range stale {
			claimed, err := r.jobs.ClaimRequeue(ctx, job.ID, cutoff)
			if err != nil {
				return err
			}
			if !claimed {
				continue
			}
			handled++
			log := logger.With(logger.Fields{
				logger.FieldJobID:       job.ID,
				logger.FieldDocumentURL: job.DocumentURL,
				logger.FieldStatus:      string(job.Status),
			})

			if r.queue != nil {
				msg := domain.JobMessage{
					JobID:      job.ID,
					Document:   job.Payload,
					Attempt:    job.Attempt + 1,
					Checkpoint: job.Checkpoint,
					EnqueuedAt: now,
				}
				err := r.queue.Enqueue(ctx, msg)
				if err == nil {
					res.Requeued++
					r.recorder.Record(&domain.OperationMetric{
						OperationType: domain.OpReaper,
						OperationName: "job_requeued",
						DurationMs:    now.Sub(job.TransitionedAt).Milliseconds(),
						Success:       true,
						CrawlID:       domain.StringPtr(job.CrawlID),
						DocumentURL:   domain.StringPtr(job.DocumentURL),
						Timestamp:     now,
					})
					log.Warn(ctx, "Re-enqueued job whose message was lost")
					continue
				}
				log.Error(ctx, "Failed to re-enqueue waiting job: %v", err)
			}

			changed, err := r.jobs.MarkDead(ctx, job.ID, domain.FailureReasonTimeout, "queue message lost")
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			res.Jobs++
			r.recorder.Record(&domain.OperationMetric{
				OperationType: domain.OpWorker,
				OperationName: "reaper_timeout",
				DurationMs:    now.Sub(job.TransitionedAt).Milliseconds(),
				Success:       false,
				ErrorKind:     domain.FailureReasonTimeout,
				CrawlID:       domain.StringPtr(job.CrawlID),
				DocumentURL:   domain.StringPtr(job.DocumentURL),
				Timestamp:     now,
			})
			log.Warn(ctx, "Reaped waiting job with no queue message")
		}
		if len(stale) < r.batch || handled == 0 {
			return nil
		}
	}
}

// SweepResult counts rows removed by one sweeper pass.
type SweepResult struct {
	Metrics  int64 `json:"metrics"`
	Sessions int64 `json:"sessions"`
	Jobs     int64 `json:"jobs"`
}

// Sweeper deletes data older than the retention window. Metrics and
// sessions are deleted independently; neither cascades to the other.
type Sweeper struct {
	metrics   *repository.MetricRepository
	sessions  *repository.CrawlSessionRepository
	jobs      *repository.JobRepository
	telemetry *telemetry.Provider
	window    time.Duration
	batch     int
	now       func() time.Time
}

// NewSweeper creates a Sweeper. Zero window and batch use 90 days and 1000.
func NewSweeper(
	metrics *repository.MetricRepository,
	sessions *repository.CrawlSessionRepository,
	jobs *repository.JobRepository,
	tel *telemetry.Provider,
	window time.Duration,
	batch int,
) *Sweeper {
	if window <= 0 {
		window = 90 * 24 * time.Hour
	}
	if batch <= 0 {
		batch = 1000
	}
	return &Sweeper{
		metrics:   metrics,
		sessions:  sessions,
		jobs:      jobs,
		telemetry: tel,
		window:    window,
		batch:     batch,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sweep deletes, in batches and oldest first, metrics with a timestamp
// before now − window, then sessions started before it, then finished jobs
// last transitioned before it.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	ctx = logger.SetComponent(ctx, "sweeper")
	cutoff := s.now().Add(-s.window)

	var err error
	if res.Metrics, err = s.drain(ctx, cutoff, s.metrics.DeleteBefore); err != nil {
		return res, err
	}
	s.telemetry.RecordSwept("operation_metrics", res.Metrics)

	if res.Sessions, err = s.drain(ctx, cutoff, s.sessions.DeleteStartedBefore); err != nil {
		return res, err
	}
	s.telemetry.RecordSwept("crawl_sessions", res.Sessions)

	if res.Jobs, err = s.drain(ctx, cutoff, s.jobs.DeleteTerminalBefore); err != nil {
		return res, err
	}
	s.telemetry.RecordSwept("indexing_jobs", res.Jobs)

	logger.With(logger.Fields{
		"metrics":  res.Metrics,
		"sessions": res.Sessions,
		"jobs":     res.Jobs,
		"cutoff":   cutoff.Format(time.RFC3339),
	}).Info(ctx, "Retention sweep finished")
	return res, nil
}

func (s *Sweeper) drain(ctx context.Context, cutoff time.Time, del func(context.Context, time.Time, int) (int64, error)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := del(ctx, cutoff, s.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(s.batch) {
			return total, nil
		}
	}
}
