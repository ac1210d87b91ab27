package service

import (
	"context"
	"sync"
	"time"

	"github.com/timmy/webindex/internal/apperr"
	"github.com/timmy/webindex/internal/domain"
	"github.com/timmy/webindex/internal/logger"
	"github.com/timmy/webindex/internal/telemetry"
)

// MetricStore persists operation metrics.
type MetricStore interface {
	CreateBatch(ctx context.Context, metrics []*domain.OperationMetric) error
}

// MetricsRecorderConfig sizes the recorder's buffer and flush cadence.
type MetricsRecorderConfig struct {
	BufferSize    int
	FlushSize     int
	FlushInterval time.Duration
}

// MetricsRecorder writes operation metrics in the background. Record never
// blocks and never fails; when the buffer is full the metric is dropped and
// counted.
type MetricsRecorder struct {
	store     MetricStore
	telemetry *telemetry.Provider
	logger    *logger.Logger

	ch        chan *domain.OperationMetric
	flushReq  chan chan struct{}
	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	flushSize int
	interval  time.Duration
}

// NewMetricsRecorder creates a recorder and starts its writer goroutine.
// Parameters:
//   - store: metric persistence.
//   - tel: telemetry provider for the dropped counter; may be nil.
//   - log: logger used for write failures.
//   - cfg: buffer sizing; zero values use 4096/128/1s.
// Returns:
//   - *MetricsRecorder: running recorder; call Close on shutdown.
func NewMetricsRecorder(store MetricStore, tel *telemetry.Provider, log *logger.Logger, cfg MetricsRecorderConfig) *MetricsRecorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	r := &MetricsRecorder{
		store:     store,
		telemetry: tel,
		logger:    log,
		ch:        make(chan *domain.OperationMetric, cfg.BufferSize),
		flushReq:  make(chan chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		flushSize: cfg.FlushSize,
		interval:  cfg.FlushInterval,
	}
	go r.run()
	return r
}

// Record queues m for persistence. Safe on a nil recorder.
func (r *MetricsRecorder) Record(m *domain.OperationMetric) {
	if r == nil || m == nil {
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	select {
	case <-r.stop:
		r.drop(m, "recorder closed")
		return
	default:
	}
	select {
	case r.ch <- m:
	default:
		r.drop(m, "buffer full")
	}
}

func (r *MetricsRecorder) drop(m *domain.OperationMetric, why string) {
	r.telemetry.IncrementMetricsDropped()
	r.logger.WithFields(logger.Fields{
		"operation_type": m.OperationType,
		"operation_name": m.OperationName,
		"reason":         why,
	}).Warn("Dropping operation metric")
}

func (r *MetricsRecorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	batch := make([]*domain.OperationMetric, 0, r.flushSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.store.CreateBatch(ctx, batch); err != nil {
			r.logger.WithError(err).WithField(logger.FieldCount, len(batch)).Error("Failed to write operation metrics")
			for range batch {
				r.telemetry.IncrementMetricsDropped()
			}
		}
		cancel()
		batch = make([]*domain.OperationMetric, 0, r.flushSize)
	}
	drain := func() {
		for {
			select {
			case m := <-r.ch:
				batch = append(batch, m)
				if len(batch) >= r.flushSize {
					write()
				}
			default:
				write()
				return
			}
		}
	}

	for {
		select {
		case m := <-r.ch:
			batch = append(batch, m)
			if len(batch) >= r.flushSize {
				write()
			}
		case <-ticker.C:
			write()
		case reply := <-r.flushReq:
			drain()
			close(reply)
		case <-r.stop:
			drain()
			return
		}
	}
}

// Flush blocks until everything recorded so far is written or ctx ends.
func (r *MetricsRecorder) Flush(ctx context.Context) error {
	if r == nil {
		return nil
	}
	reply := make(chan struct{})
	select {
	case r.flushReq <- reply:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the buffer and stops the writer. Later Record calls drop.
func (r *MetricsRecorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.stopOnce.Do(func() { close(r.stop) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timer measures one operation. Obtain with MetricsRecorder.Start.
type Timer struct {
	r           *MetricsRecorder
	opType      domain.OperationType
	opName      string
	crawlID     string
	documentURL string
	start       time.Time
}

// Start begins timing an operation. crawlID and documentURL may be empty.
func (r *MetricsRecorder) Start(opType domain.OperationType, opName, crawlID, documentURL string) *Timer {
	return &Timer{
		r:           r,
		opType:      opType,
		opName:      opName,
		crawlID:     crawlID,
		documentURL: documentURL,
		start:       time.Now(),
	}
}

// Stop records the operation with success = (err == nil) and returns the
// elapsed time.
func (t *Timer) Stop(err error) time.Duration {
	elapsed := time.Since(t.start)
	m := &domain.OperationMetric{
		OperationType: t.opType,
		OperationName: t.opName,
		DurationMs:    elapsed.Milliseconds(),
		Success:       err == nil,
		CrawlID:       domain.StringPtr(t.crawlID),
		DocumentURL:   domain.StringPtr(t.documentURL),
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		m.ErrorKind = string(apperr.KindOf(err))
	}
	t.r.Record(m)
	return elapsed
}
