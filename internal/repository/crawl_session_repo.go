package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timmy/webindex/internal/apperr"
	"github.com/timmy/webindex/internal/domain"
)

// CrawlSessionRepository persists crawl sessions.
type CrawlSessionRepository struct {
	db *gorm.DB
}

// NewCrawlSessionRepository creates a new CrawlSessionRepository.
func NewCrawlSessionRepository(db *gorm.DB) *CrawlSessionRepository {
	return &CrawlSessionRepository{db: db}
}

// CreateIfAbsent inserts the session unless one with the same crawl id
// exists. It reports whether a row was inserted.
func (r *CrawlSessionRepository) CreateIfAbsent(ctx context.Context, session *domain.CrawlSession) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "crawl_id"}},
			DoNothing: true,
		}).
		Create(session)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Get returns a session by crawl id.
func (r *CrawlSessionRepository) Get(ctx context.Context, crawlID string) (*domain.CrawlSession, error) {
	var session domain.CrawlSession
	err := r.db.WithContext(ctx).Where("crawl_id = ?", crawlID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("crawls.Get", "crawl %s", crawlID)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Save writes every field of an existing session.
func (r *CrawlSessionRepository) Save(ctx context.Context, session *domain.CrawlSession) error {
	return r.db.WithContext(ctx).Save(session).Error
}

// FindStaleInProgress lists in-progress sessions with no session update
// and no operation metric at or after cutoff.
func (r *CrawlSessionRepository) FindStaleInProgress(ctx context.Context, cutoff time.Time, limit int) ([]domain.CrawlSession, error) {
	db := r.db.WithContext(ctx)
	recent := db.Model(&domain.OperationMetric{}).
		Select("1").
		Where("operation_metrics.crawl_id = crawl_sessions.crawl_id AND operation_metrics.timestamp >= ?", cutoff)

	var sessions []domain.CrawlSession
	err := db.
		Where("status = ? AND updated_at < ?", domain.CrawlStatusInProgress, cutoff).
		Where("NOT EXISTS (?)", recent).
		Order("updated_at").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// MarkTimedOut fails an in-progress session with reason timeout.
func (r *CrawlSessionRepository) MarkTimedOut(ctx context.Context, crawlID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.CrawlSession{}).
		Where("crawl_id = ? AND status = ?", crawlID, domain.CrawlStatusInProgress).
		Updates(map[string]interface{}{
			"status":         domain.CrawlStatusFailed,
			"failure_reason": domain.FailureReasonTimeout,
			"completed_at":   at,
		})
	return res.RowsAffected > 0, res.Error
}

// DeleteStartedBefore deletes up to batch sessions started before cutoff.
func (r *CrawlSessionRepository) DeleteStartedBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	db := r.db.WithContext(ctx)
	ids := db.Model(&domain.CrawlSession{}).
		Select("id").
		Where("started_at < ?", cutoff).
		Order("started_at").
		Limit(batch)
	res := db.Where("id IN (?)", ids).Delete(&domain.CrawlSession{})
	return res.RowsAffected, res.Error
}
