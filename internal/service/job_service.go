package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/webindex/internal/apperr"
	"github.com/timmy/webindex/internal/domain"
	"github.com/timmy/webindex/internal/logger"
	"github.com/timmy/webindex/internal/queue"
	"github.com/timmy/webindex/internal/repository"
	"github.com/timmy/webindex/internal/storage"
	"github.com/timmy/webindex/internal/telemetry"
)

// JobService turns page-ready events into queued indexing jobs and
// replays dead ones.
type JobService struct {
	jobs        *repository.JobRepository
	queue       queue.Queue
	archive     storage.DeadLetterArchive
	telemetry   *telemetry.Provider
	maxAttempts int
}

// NewJobService creates a JobService. A nil archive replays from the job
// row only.
func NewJobService(jobs *repository.JobRepository, q queue.Queue, archive storage.DeadLetterArchive, tel *telemetry.Provider, maxAttempts int) *JobService {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if archive == nil {
		archive = storage.NopArchive{}
	}
	return &JobService{jobs: jobs, queue: q, archive: archive, telemetry: tel, maxAttempts: maxAttempts}
}

// Enqueue records a queued job for the page and pushes its first attempt.
// The row is written first so a job visible on the queue always has one.
func (s *JobService) Enqueue(ctx context.Context, ev domain.PageReady) (*domain.IndexingJob, error) {
	if ev.URL == "" {
		return nil, apperr.Permanent("jobs.Enqueue", fmt.Errorf("document url is required"))
	}
	now := time.Now().UTC()
	job := &domain.IndexingJob{
		ID:             uuid.New().String(),
		DocumentURL:    ev.URL,
		CrawlID:        ev.CrawlIDValue(),
		Status:         domain.JobStatusQueued,
		MaxAttempts:    s.maxAttempts,
		Payload:        ev.Document,
		EnqueuedAt:     now,
		TransitionedAt: now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, apperr.Transient("jobs.Enqueue", fmt.Errorf("failed to create job: %w", err))
	}

	msg := domain.JobMessage{
		JobID:      job.ID,
		Document:   ev.Document,
		Attempt:    1,
		EnqueuedAt: now,
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		if _, markErr := s.jobs.MarkDead(ctx, job.ID, "enqueue_failed", err.Error()); markErr != nil {
			logger.FromContext(ctx).WithError(markErr).Error("Failed to mark unqueued job dead")
		}
		return nil, apperr.Transient("jobs.Enqueue", fmt.Errorf("failed to enqueue job: %w", err))
	}
	s.telemetry.RecordEnqueue("new")

	logger.With(logger.Fields{
		logger.FieldJobID:       job.ID,
		logger.FieldDocumentURL: job.DocumentURL,
		logger.FieldCrawlID:     job.CrawlID,
	}).Debug(ctx, "Enqueued indexing job")
	return job, nil
}

// Get returns a job by id.
func (s *JobService) Get(ctx context.Context, id string) (*domain.IndexingJob, error) {
	return s.jobs.Get(ctx, id)
}

// Replay gives a dead job another full set of attempts. The document comes
// from the archived dead letter when there is one, else from the job row.
// The archived letter is removed once the job is back on the queue.
func (s *JobService) Replay(ctx context.Context, id string) (*domain.IndexingJob, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusFailedDead {
		return nil, apperr.Permanent("jobs.Replay", fmt.Errorf("job %s is %s, only dead jobs can be replayed", id, job.Status))
	}
	ctx = logger.SetJobID(ctx, id)
	log := logger.FromContext(ctx)

	doc := job.Payload
	dl, err := s.archive.Load(ctx, id, job.TransitionedAt)
	switch {
	case err == nil:
		doc = dl.Document
	case !errors.Is(err, storage.ErrNotArchived):
		log.WithError(err).Warn("Failed to load dead letter, replaying from job row")
	}
	if doc.URL == "" {
		return nil, apperr.Permanent("jobs.Replay", fmt.Errorf("job %s has no stored document", id))
	}

	revived, err := s.jobs.Revive(ctx, id)
	if err != nil {
		return nil, apperr.Transient("jobs.Replay", fmt.Errorf("failed to revive job: %w", err))
	}
	if !revived {
		return nil, apperr.Permanent("jobs.Replay", fmt.Errorf("job %s changed state during replay", id))
	}

	msg := domain.JobMessage{
		JobID:      id,
		Document:   doc,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		if _, markErr := s.jobs.MarkDead(ctx, id, "enqueue_failed", err.Error()); markErr != nil {
			log.WithError(markErr).Error("Failed to mark unqueued job dead")
		}
		return nil, apperr.Transient("jobs.Replay", fmt.Errorf("failed to enqueue job: %w", err))
	}
	s.telemetry.RecordEnqueue("replay")

	if err := s.archive.Remove(ctx, id, job.TransitionedAt); err != nil {
		log.WithError(err).Warn("Failed to remove replayed dead letter")
	}
	log.WithField(logger.FieldDocumentURL, doc.URL).Info("Replayed dead indexing job")
	return s.jobs.Get(ctx, id)
}
