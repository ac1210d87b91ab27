package service

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/webindex/internal/apperr"
	"github.com/timmy/webindex/internal/domain"
	"github.com/timmy/webindex/internal/logger"
	"github.com/timmy/webindex/internal/repository"
)

// maxReportOperations caps the per-page rows returned with a crawl report.
const maxReportOperations = 10000

// CrawlReport is a crawl session with, optionally, its operation metrics.
type CrawlReport struct {
	*domain.CrawlSession
	Operations []domain.OperationMetric `json:"operations,omitempty"`
}

// CrawlTracker maintains crawl sessions from crawl lifecycle events and
// the operation metrics recorded for them.
type CrawlTracker struct {
	sessions *repository.CrawlSessionRepository
	metrics  *repository.MetricRepository
	recorder *MetricsRecorder
}

// NewCrawlTracker creates a CrawlTracker. recorder may be nil; when set it
// is flushed before aggregating so in-process metrics are counted.
func NewCrawlTracker(sessions *repository.CrawlSessionRepository, metrics *repository.MetricRepository, recorder *MetricsRecorder) *CrawlTracker {
	return &CrawlTracker{sessions: sessions, metrics: metrics, recorder: recorder}
}

// Start opens a session. A duplicate start is logged and ignored; the
// existing session is returned with created == false.
func (t *CrawlTracker) Start(ctx context.Context, ev domain.CrawlStarted) (session *domain.CrawlSession, created bool, err error) {
	ctx = logger.SetCrawlID(ctx, ev.CrawlID)
	startedAt := time.Now().UTC()
	if ev.StartedAt != nil {
		startedAt = ev.StartedAt.UTC()
	}
	session = &domain.CrawlSession{
		CrawlID:   ev.CrawlID,
		BaseURL:   ev.BaseURL,
		StartedAt: startedAt,
		Status:    domain.CrawlStatusInProgress,
	}
	if ev.InitiatedAt != nil {
		initiated := ev.InitiatedAt.UTC()
		session.InitiatedAt = &initiated
	}

	created, err = t.sessions.CreateIfAbsent(ctx, session)
	if err != nil {
		return nil, false, err
	}
	if !created {
		logger.CtxInfo(ctx, "Crawl session already exists, ignoring duplicate start")
		existing, err := t.sessions.Get(ctx, ev.CrawlID)
		return existing, false, err
	}
	logger.With(logger.Fields{"base_url": ev.BaseURL}).Info(ctx, "Crawl session started")
	return session, true, nil
}

// Complete closes a session and stores its aggregates. A completion for an
// unknown crawl is logged and dropped: it returns nil, nil.
func (t *CrawlTracker) Complete(ctx context.Context, ev domain.CrawlCompleted) (*domain.CrawlSession, error) {
	ctx = logger.SetCrawlID(ctx, ev.CrawlID)
	session, err := t.sessions.Get(ctx, ev.CrawlID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			logger.CtxWarn(ctx, "Completion for unknown crawl session dropped")
			return nil, nil
		}
		return nil, err
	}

	if err := t.aggregate(ctx, session); err != nil {
		return nil, err
	}

	completedAt := time.Now().UTC()
	if session.CompletedAt != nil && session.Status != domain.CrawlStatusInProgress {
		completedAt = *session.CompletedAt
	}
	session.CompletedAt = &completedAt
	duration := completedAt.Sub(session.StartedAt).Milliseconds()
	session.DurationMs = &duration
	if session.InitiatedAt != nil {
		e2e := completedAt.Sub(*session.InitiatedAt).Milliseconds()
		session.E2EDurationMs = &e2e
	}
	if ev.Success {
		session.Status = domain.CrawlStatusCompleted
		session.FailureReason = ""
	} else {
		session.Status = domain.CrawlStatusFailed
		session.FailureReason = "crawler_reported_failure"
	}

	if err := t.sessions.Save(ctx, session); err != nil {
		return nil, err
	}
	logger.With(logger.Fields{
		"total_pages":   session.TotalPages,
		"pages_indexed": session.PagesIndexed,
		"pages_failed":  session.PagesFailed,
	}).WithStatus(string(session.Status)).WithDuration(duration).Info(ctx, "Crawl session completed")
	return session, nil
}

// Recompute re-runs aggregation for a session, typically to pick up
// metrics that landed after completion. Status is left unchanged.
func (t *CrawlTracker) Recompute(ctx context.Context, crawlID string) (*domain.CrawlSession, error) {
	session, err := t.sessions.Get(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	if err := t.aggregate(ctx, session); err != nil {
		return nil, err
	}
	if err := t.sessions.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Get returns the session and, when includeOperations is set, its metric
// rows in time order.
func (t *CrawlTracker) Get(ctx context.Context, crawlID string, includeOperations bool) (*CrawlReport, error) {
	session, err := t.sessions.Get(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	report := &CrawlReport{CrawlSession: session}
	if includeOperations {
		ops, err := t.metrics.ListByCrawl(ctx, crawlID, maxReportOperations)
		if err != nil {
			return nil, err
		}
		report.Operations = ops
	}
	return report, nil
}

func (t *CrawlTracker) aggregate(ctx context.Context, session *domain.CrawlSession) error {
	if err := t.recorder.Flush(ctx); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to flush metrics before aggregation")
	}
	agg, err := t.metrics.AggregateCrawl(ctx, session.CrawlID)
	if err != nil {
		return err
	}
	agg.Apply(session)
	return nil
}
