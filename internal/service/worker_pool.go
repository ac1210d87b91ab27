package service

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/timmy/webindex/internal/apperr"
	"github.com/timmy/webindex/internal/chunker"
	"github.com/timmy/webindex/internal/domain"
	"github.com/timmy/webindex/internal/logger"
	"github.com/timmy/webindex/internal/queue"
	"github.com/timmy/webindex/internal/repository"
	"github.com/timmy/webindex/internal/storage"
	"github.com/timmy/webindex/internal/telemetry"
)

// WorkerPoolConfig holds configuration for the worker pool
type WorkerPoolConfig struct {
	Workers         int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	PromoteInterval time.Duration
	DequeueBatch    int
	Chunking        chunker.Options
}

func (c WorkerPoolConfig) withDefaults() WorkerPoolConfig {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU() * 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = time.Second
	}
	if c.DequeueBatch <= 0 {
		c.DequeueBatch = c.Workers
	}
	if c.Chunking.MaxTokens <= 0 {
		c.Chunking = chunker.DefaultOptions()
	}
	return c
}

// WorkerPool pulls indexing jobs off the queue and runs
// chunk → embed → write for each one.
type WorkerPool struct {
	queue     queue.Queue
	jobs      *repository.JobRepository
	embedder  Embedder
	writer    *DualIndexWriter
	recorder  *MetricsRecorder
	archive   storage.DeadLetterArchive
	telemetry *telemetry.Provider
	logger    *logger.Logger
	cfg       WorkerPoolConfig
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(
	q queue.Queue,
	jobs *repository.JobRepository,
	embedder Embedder,
	writer *DualIndexWriter,
	recorder *MetricsRecorder,
	archive storage.DeadLetterArchive,
	tel *telemetry.Provider,
	log *logger.Logger,
	cfg WorkerPoolConfig,
) *WorkerPool {
	if archive == nil {
		archive = storage.NopArchive{}
	}
	return &WorkerPool{
		queue:     q,
		jobs:      jobs,
		embedder:  embedder,
		writer:    writer,
		recorder:  recorder,
		archive:   archive,
		telemetry: tel,
		logger:    log,
		cfg:       cfg.withDefaults(),
	}
}

// Run processes jobs until ctx is cancelled. Jobs already handed to a
// worker run to completion before Run returns.
func (p *WorkerPool) Run(ctx context.Context) error {
	ctx = logger.SetComponent(p.logger.WithContext(ctx), "worker_pool")
	p.logger.WithFields(logger.Fields{
		"workers":      p.cfg.Workers,
		"max_attempts": p.cfg.MaxAttempts,
	}).Info("Starting worker pool")

	deliveries := make(chan queue.Delivery)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.worker(ctx, workerID, deliveries)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.promote(ctx)
	}()

	p.fetch(ctx, deliveries)
	close(deliveries)
	wg.Wait()

	p.logger.Info("Worker pool stopped")
	return nil
}

func (p *WorkerPool) fetch(ctx context.Context, out chan<- queue.Delivery) {
	for ctx.Err() == nil {
		batch, err := p.queue.Dequeue(ctx, p.cfg.DequeueBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.FromContext(ctx).WithError(err).Error("Failed to dequeue jobs")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		p.telemetry.RecordDequeue(len(batch))

		for _, d := range batch {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *WorkerPool) worker(ctx context.Context, workerID int, in <-chan queue.Delivery) {
	ctx = logger.WithField(ctx, "worker_id", workerID)
	for d := range in {
		// A started job finishes even when shutdown begins.
		p.Process(context.WithoutCancel(ctx), d)
	}
}

// promote moves due retries onto the ready queue.
func (p *WorkerPool) promote(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.queue.PromoteDue(ctx, now)
			if err != nil {
				if ctx.Err() == nil {
					logger.FromContext(ctx).WithError(err).Warn("Failed to promote scheduled jobs")
				}
				continue
			}
			if n > 0 {
				logger.With(logger.Fields{logger.FieldCount: n}).Debug(ctx, "Promoted scheduled jobs")
			}
			if depth, err := p.queue.Depth(ctx); err == nil {
				p.telemetry.SetQueueDepth(depth)
			}
		}
	}
}

// Process runs one delivery through the pipeline and settles it: the job
// row is moved to its next state and the delivery is acked.
func (p *WorkerPool) Process(ctx context.Context, d queue.Delivery) {
	msg := d.Message
	ctx = logger.SetJobID(ctx, msg.JobID)
	ctx = logger.SetDocumentURL(ctx, msg.Document.URL)
	ctx = logger.SetCrawlID(ctx, msg.Document.CrawlIDValue())
	log := logger.FromContext(ctx)

	started, err := p.jobs.MarkRunning(ctx, msg.JobID, msg.Attempt)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		log.Warn("Dropping message for unknown job")
		p.ack(ctx, d)
		return
	case err != nil:
		log.WithError(err).Error("Failed to mark job running")
		p.reschedule(ctx, d)
		return
	case !started:
		log.Info("Job already finished, skipping redelivery")
		p.telemetry.RecordJob("skipped")
		p.ack(ctx, d)
		return
	}

	p.telemetry.WorkerBusy(1)
	defer p.telemetry.WorkerBusy(-1)

	timer := p.recorder.Start(domain.OpWorker, "index_page", msg.Document.CrawlIDValue(), msg.Document.URL)
	checkpoint, err := p.index(ctx, msg)
	elapsed := timer.Stop(err)

	if err != nil {
		p.fail(ctx, d, checkpoint, err)
		return
	}

	if _, err := p.jobs.MarkSucceeded(ctx, msg.JobID); err != nil {
		log.WithError(err).Error("Failed to mark job succeeded")
		p.reschedule(ctx, d)
		return
	}
	p.telemetry.RecordJob("succeeded")
	p.ack(ctx, d)
	logger.With(logger.Fields{logger.FieldAttempt: msg.Attempt}).
		WithDuration(elapsed.Milliseconds()).
		Info(ctx, "Indexed page")
}

// index runs the pipeline for one attempt. On failure it also returns the
// stage the next attempt should resume from.
func (p *WorkerPool) index(ctx context.Context, msg domain.JobMessage) (apperr.Stage, error) {
	doc := msg.Document
	resume := apperr.Stage(msg.Checkpoint)
	crawlID := doc.CrawlIDValue()

	timer := p.recorder.Start(domain.OpChunking, "chunk_document", crawlID, doc.URL)
	chunks, err := p.chunk(&doc)
	p.telemetry.RecordPhase(string(domain.OpChunking), err == nil, timer.Stop(err))
	if err != nil {
		return resume, err
	}

	var vectors [][]float32
	if resume != apperr.StageKeywordWrite {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		timer = p.recorder.Start(domain.OpEmbedding, p.embedder.ModelName(), crawlID, doc.URL)
		vectors, err = p.embedder.EmbedBatch(ctx, texts)
		p.telemetry.RecordPhase(string(domain.OpEmbedding), err == nil, timer.Stop(err))
		if err != nil {
			return apperr.StageNone, err
		}
	}

	entries := domain.NewIndexEntries(doc, chunks, vectors)
	res, err := p.writer.Write(ctx, entries, resume)
	if err != nil {
		if res.VectorsWritten || resume == apperr.StageKeywordWrite {
			return apperr.StageKeywordWrite, err
		}
		return apperr.StageNone, err
	}
	return apperr.StageNone, nil
}

// chunk extracts text from markup when needed and splits it. A title found
// in the markup fills an empty metadata title.
func (p *WorkerPool) chunk(doc *domain.Document) ([]domain.Chunk, error) {
	text := doc.RawText
	if doc.Metadata.IsHTML() {
		page, err := chunker.ExtractText(text)
		if err != nil {
			return nil, apperr.Permanent("worker.chunk", err)
		}
		text = page.Text
		if doc.Metadata.Title == "" {
			doc.Metadata.Title = page.Title
		}
	}
	return chunker.Chunk(doc.URL, text, p.cfg.Chunking)
}

// fail applies the retry policy to a failed attempt.
func (p *WorkerPool) fail(ctx context.Context, d queue.Delivery, checkpoint apperr.Stage, cause error) {
	msg := d.Message
	log := logger.FromContext(ctx).WithError(cause).WithFields(logger.Fields{
		logger.FieldAttempt: msg.Attempt,
		"error_kind":        apperr.KindOf(cause),
	})

	if !apperr.Retryable(cause) {
		p.deadLetter(ctx, d, domain.FailureReasonInput, cause)
		return
	}
	if msg.Attempt >= p.cfg.MaxAttempts {
		p.deadLetter(ctx, d, domain.FailureReasonExhausted, cause)
		return
	}

	changed, err := p.jobs.MarkRetry(ctx, msg.JobID, checkpoint, cause.Error())
	if err != nil {
		log.WithError(err).Error("Failed to record retry")
		p.reschedule(ctx, d)
		return
	}
	if !changed {
		log.Warn("Job changed state during attempt, not retrying")
		p.ack(ctx, d)
		return
	}

	now := time.Now().UTC()
	next := msg
	next.Attempt = msg.Attempt + 1
	next.Checkpoint = string(checkpoint)
	next.EnqueuedAt = now
	delay := p.Backoff(msg.Attempt)
	if err := p.queue.Schedule(ctx, next, now.Add(delay)); err != nil {
		log.WithError(err).Error("Failed to schedule retry")
		p.deadLetter(ctx, d, "enqueue_failed", cause)
		return
	}
	p.telemetry.RecordEnqueue("retry")
	p.telemetry.RecordJob("retry")
	p.ack(ctx, d)

	log.WithFields(logger.Fields{
		"retry_in":   delay.String(),
		"checkpoint": string(checkpoint),
	}).Warn("Indexing attempt failed, retry scheduled")
}

func (p *WorkerPool) deadLetter(ctx context.Context, d queue.Delivery, reason string, cause error) {
	msg := d.Message
	log := logger.FromContext(ctx)
	crawlID := msg.Document.CrawlIDValue()

	if _, err := p.jobs.MarkDead(ctx, msg.JobID, reason, cause.Error()); err != nil {
		log.WithError(err).Error("Failed to mark job dead")
	}

	kind := apperr.KindOf(cause)
	p.recorder.Record(&domain.OperationMetric{
		OperationType: domain.OpWorker,
		OperationName: "dead_letter",
		Success:       false,
		ErrorKind:     string(kind),
		CrawlID:       domain.StringPtr(crawlID),
		DocumentURL:   domain.StringPtr(msg.Document.URL),
	})

	err := p.archive.Archive(ctx, storage.DeadLetter{
		JobID:       msg.JobID,
		DocumentURL: msg.Document.URL,
		CrawlID:     crawlID,
		Attempt:     msg.Attempt,
		Reason:      reason,
		ErrorKind:   string(kind),
		LastError:   cause.Error(),
		Document:    msg.Document,
		FailedAt:    time.Now().UTC(),
	})
	if err != nil {
		log.WithError(err).Warn("Failed to archive dead letter")
	}

	p.telemetry.RecordJob("dead")
	p.ack(ctx, d)
	log.WithError(cause).WithFields(logger.Fields{
		logger.FieldAttempt: msg.Attempt,
		"reason":            reason,
	}).Error("Indexing job moved to dead letter")
}

// reschedule puts the same attempt back after one base backoff. Used when
// the job table itself is unavailable.
func (p *WorkerPool) reschedule(ctx context.Context, d queue.Delivery) {
	if err := p.queue.Schedule(ctx, d.Message, time.Now().Add(p.cfg.BackoffBase)); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to reschedule job, leaving it unacknowledged")
		return
	}
	p.ack(ctx, d)
}

func (p *WorkerPool) ack(ctx context.Context, d queue.Delivery) {
	if err := p.queue.Ack(ctx, d); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to ack delivery")
	}
}

// Backoff returns the delay before the attempt after attempt:
// base × 2^(attempt-1), capped at the configured maximum.
func (p *WorkerPool) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return p.cfg.BackoffMax
	}
	d := p.cfg.BackoffBase << (attempt - 1)
	if d <= 0 || d > p.cfg.BackoffMax {
		return p.cfg.BackoffMax
	}
	return d
}
