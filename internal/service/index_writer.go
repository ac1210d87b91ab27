package service

import (
	"context"
	"time"

	"github.com/timmy/webindex/internal/apperr"
	"github.com/timmy/webindex/internal/domain"
	"github.com/timmy/webindex/internal/logger"
	"github.com/timmy/webindex/internal/telemetry"
)

// VectorStore is the semantic side of the index (Qdrant).
type VectorStore interface {
	Upsert(ctx context.Context, entries []domain.IndexEntry) error
	Search(ctx context.Context, vector []float32, limit int, filters domain.SearchFilters) ([]domain.Hit, error)
	DeleteStale(ctx context.Context, documentURL string, keep []string) error
}

// KeywordStore is the lexical side of the index (Elasticsearch).
type KeywordStore interface {
	BulkUpsert(ctx context.Context, entries []domain.IndexEntry) error
	Search(ctx context.Context, text string, limit int, filters domain.SearchFilters) ([]domain.Hit, error)
	DeleteStale(ctx context.Context, documentURL string, keep []string) error
}

// WriteResult reports which stores hold the entries after a Write.
type WriteResult struct {
	VectorsWritten  bool
	KeywordsWritten bool
	// StaleRemoved is set once entries of earlier versions of the document
	// were removed from both stores.
	StaleRemoved bool
}

// DualIndexWriter writes the same entries to both stores, vector first.
// Both stores key on content key, so repeating a write is harmless.
type DualIndexWriter struct {
	vectors   VectorStore
	keywords  KeywordStore
	recorder  *MetricsRecorder
	telemetry *telemetry.Provider
	timeout   time.Duration
}

// NewDualIndexWriter creates a writer. timeout bounds each store call; zero
// means 30s.
func NewDualIndexWriter(vectors VectorStore, keywords KeywordStore, recorder *MetricsRecorder, tel *telemetry.Provider, timeout time.Duration) *DualIndexWriter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DualIndexWriter{
		vectors:   vectors,
		keywords:  keywords,
		recorder:  recorder,
		telemetry: tel,
		timeout:   timeout,
	}
}

// Write stores entries starting at from. StageKeywordWrite skips the vector
// upsert, which is how a retry resumes after a keyword-only failure; any
// other stage writes both.
//
// A failure is an IndexWriteFailure carrying the failed stage. When the
// keyword write fails the returned result still reports VectorsWritten.
//
// After both writes, entries of the document whose content key is not in
// entries are deleted from both stores. That cleanup is best effort: a
// failure is logged and the next index of the page retries it.
func (w *DualIndexWriter) Write(ctx context.Context, entries []domain.IndexEntry, from apperr.Stage) (WriteResult, error) {
	var res WriteResult
	if len(entries) == 0 {
		return res, nil
	}
	crawlID, documentURL := entries[0].CrawlID, entries[0].DocumentURL

	if from != apperr.StageKeywordWrite {
		timer := w.recorder.Start(domain.OpVectorWrite, "qdrant_upsert", crawlID, documentURL)
		err := w.call(ctx, func(ctx context.Context) error { return w.vectors.Upsert(ctx, entries) })
		w.telemetry.RecordPhase(string(domain.OpVectorWrite), err == nil, timer.Stop(err))
		if err != nil {
			return res, apperr.WriteFailure("index.Write", apperr.StageVectorWrite, err)
		}
		res.VectorsWritten = true
	}

	timer := w.recorder.Start(domain.OpKeywordWrite, "elasticsearch_bulk", crawlID, documentURL)
	err := w.call(ctx, func(ctx context.Context) error { return w.keywords.BulkUpsert(ctx, entries) })
	w.telemetry.RecordPhase(string(domain.OpKeywordWrite), err == nil, timer.Stop(err))
	if err != nil {
		return res, apperr.WriteFailure("index.Write", apperr.StageKeywordWrite, err)
	}
	res.KeywordsWritten = true
	res.StaleRemoved = w.removeStale(ctx, documentURL, entries)
	return res, nil
}

func (w *DualIndexWriter) removeStale(ctx context.Context, documentURL string, entries []domain.IndexEntry) bool {
	keep := make([]string, len(entries))
	for i, e := range entries {
		keep[i] = e.ContentKey
	}
	vecErr := w.call(ctx, func(ctx context.Context) error { return w.vectors.DeleteStale(ctx, documentURL, keep) })
	kwErr := w.call(ctx, func(ctx context.Context) error { return w.keywords.DeleteStale(ctx, documentURL, keep) })
	if vecErr == nil && kwErr == nil {
		return true
	}
	log := logger.FromContext(ctx).WithField(logger.FieldDocumentURL, documentURL)
	if vecErr != nil {
		log.WithError(vecErr).Warn("Failed to remove stale vector entries")
	}
	if kwErr != nil {
		log.WithError(kwErr).Warn("Failed to remove stale keyword entries")
	}
	return false
}

func (w *DualIndexWriter) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return apperr.Classify(err)
	}
	return nil
}
