package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/timmy/webindex/internal/domain"
)

// MetricRepository persists operation metrics and computes crawl
// aggregates in SQL.
type MetricRepository struct {
	db *gorm.DB
}

// NewMetricRepository creates a new MetricRepository.
func NewMetricRepository(db *gorm.DB) *MetricRepository {
	return &MetricRepository{db: db}
}

// CreateBatch inserts metrics in one statement per 100 rows.
func (r *MetricRepository) CreateBatch(ctx context.Context, metrics []*domain.OperationMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(metrics, 100).Error
}

// AggregateCrawl folds a crawl's metrics. Pages are distinct document URLs
// with a worker metric; a page counts as indexed if any attempt succeeded
// and as failed otherwise.
func (r *MetricRepository) AggregateCrawl(ctx context.Context, crawlID string) (domain.CrawlAggregate, error) {
	var agg domain.CrawlAggregate
	db := r.db.WithContext(ctx)

	workers := func() *gorm.DB {
		return db.Model(&domain.OperationMetric{}).
			Where("crawl_id = ? AND operation_type = ? AND document_url IS NOT NULL", crawlID, domain.OpWorker)
	}

	var total, indexed int64
	if err := workers().Distinct("document_url").Count(&total).Error; err != nil {
		return agg, err
	}
	if err := workers().Where("success = ?", true).Distinct("document_url").Count(&indexed).Error; err != nil {
		return agg, err
	}

	var sums []struct {
		OperationType domain.OperationType
		Total         int64
	}
	err := db.Model(&domain.OperationMetric{}).
		Select("operation_type, COALESCE(SUM(duration_ms), 0) AS total").
		Where("crawl_id = ?", crawlID).
		Group("operation_type").
		Scan(&sums).Error
	if err != nil {
		return agg, err
	}

	agg.TotalPages = int(total)
	agg.PagesIndexed = int(indexed)
	agg.PagesFailed = int(total - indexed)
	for _, s := range sums {
		switch s.OperationType {
		case domain.OpChunking:
			agg.TotalChunkingMs = s.Total
		case domain.OpEmbedding:
			agg.TotalEmbeddingMs = s.Total
		case domain.OpVectorWrite:
			agg.TotalVectorWriteMs = s.Total
		case domain.OpKeywordWrite:
			agg.TotalKeywordWriteMs = s.Total
		}
	}
	return agg, nil
}

// ListByCrawl returns a crawl's metrics in time order.
func (r *MetricRepository) ListByCrawl(ctx context.Context, crawlID string, limit int) ([]domain.OperationMetric, error) {
	var metrics []domain.OperationMetric
	err := r.db.WithContext(ctx).
		Where("crawl_id = ?", crawlID).
		Order("timestamp, id").
		Limit(limit).
		Find(&metrics).Error
	return metrics, err
}

// DeleteBefore deletes up to batch metrics older than cutoff, oldest first.
func (r *MetricRepository) DeleteBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	db := r.db.WithContext(ctx)
	ids := db.Model(&domain.OperationMetric{}).
		Select("id").
		Where("timestamp < ?", cutoff).
		Order("timestamp").
		Limit(batch)
	res := db.Where("id IN (?)", ids).Delete(&domain.OperationMetric{})
	return res.RowsAffected, res.Error
}
