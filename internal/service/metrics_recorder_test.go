package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/webindex/internal/apperr"
	"github.com/timmy/webindex/internal/domain"
	"github.com/timmy/webindex/internal/logger"
	"github.com/timmy/webindex/internal/telemetry"
)

type blockingMetricStore struct {
	mu      sync.Mutex
	stored  []*domain.OperationMetric
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingMetricStore) CreateBatch(_ context.Context, metrics []*domain.OperationMetric) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, metrics...)
	return nil
}

type failingMetricStore struct{}

func (failingMetricStore) CreateBatch(context.Context, []*domain.OperationMetric) error {
	return errors.New("database is locked")
}

func TestMetricsRecorder_TimerPersists(t *testing.T) {
	db := newServiceTestDB(t)
	recorder := newTestRecorder(t, db)
	ctx := context.Background()

	recorder.Start(domain.OpChunking, "chunk_document", "crawl-1", "https://a").Stop(nil)
	recorder.Start(domain.OpEmbedding, "embed", "crawl-1", "https://a").
		Stop(apperr.EmbeddingUnavailable("embed", errors.New("503")))
	require.NoError(t, recorder.Flush(ctx))

	var rows []domain.OperationMetric
	require.NoError(t, db.Order("id").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Success)
	assert.Equal(t, "crawl-1", *rows[0].CrawlID)
	assert.Equal(t, "https://a", *rows[0].DocumentURL)
	assert.False(t, rows[1].Success)
	assert.Equal(t, string(apperr.KindEmbeddingUnavailable), rows[1].ErrorKind)
	assert.GreaterOrEqual(t, rows[1].DurationMs, int64(0))
}

func TestMetricsRecorder_DropsWhenFull(t *testing.T) {
	store := &blockingMetricStore{started: make(chan struct{}), release: make(chan struct{})}
	tel := telemetry.NewProvider()
	recorder := NewMetricsRecorder(store, tel, logger.Discard(), MetricsRecorderConfig{
		BufferSize:    1,
		FlushSize:     1,
		FlushInterval: time.Hour,
	})

	recorder.Record(&domain.OperationMetric{OperationType: domain.OpWorker, OperationName: "first"})
	<-store.started

	done := make(chan struct{})
	go func() {
		recorder.Record(&domain.OperationMetric{OperationType: domain.OpWorker, OperationName: "second"})
		recorder.Record(&domain.OperationMetric{OperationType: domain.OpWorker, OperationName: "third"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.Metrics.MetricsDropped))

	close(store.release)
	require.NoError(t, recorder.Close(context.Background()))
	require.Len(t, store.stored, 2)
	assert.Equal(t, "first", store.stored[0].OperationName)
	assert.Equal(t, "second", store.stored[1].OperationName)
}

func TestMetricsRecorder_WriteFailureIsSwallowed(t *testing.T) {
	tel := telemetry.NewProvider()
	recorder := NewMetricsRecorder(failingMetricStore{}, tel, logger.Discard(), MetricsRecorderConfig{})

	recorder.Record(&domain.OperationMetric{OperationType: domain.OpQuery, OperationName: "hybrid"})
	require.NoError(t, recorder.Flush(context.Background()))
	require.NoError(t, recorder.Close(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.Metrics.MetricsDropped))
}

func TestMetricsRecorder_RecordAfterClose(t *testing.T) {
	tel := telemetry.NewProvider()
	recorder := NewMetricsRecorder(failingMetricStore{}, tel, logger.Discard(), MetricsRecorderConfig{})
	require.NoError(t, recorder.Close(context.Background()))

	assert.NotPanics(t, func() {
		recorder.Record(&domain.OperationMetric{OperationType: domain.OpQuery})
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.Metrics.MetricsDropped))
}

func TestMetricsRecorder_NilIsNoop(t *testing.T) {
	var recorder *MetricsRecorder
	assert.NotPanics(t, func() {
		recorder.Record(&domain.OperationMetric{})
		recorder.Start(domain.OpQuery, "q", "", "").Stop(nil)
		_ = recorder.Flush(context.Background())
	})
}
