package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/timmy/webindex/internal/apperr"
	"github.com/timmy/webindex/internal/domain"
)

// JobRepository persists indexing job state. Every transition runs in its
// own short transaction and none is held across external calls.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a queued job.
func (r *JobRepository) Create(ctx context.Context, job *domain.IndexingJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// Get returns a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*domain.IndexingJob, error) {
	var job domain.IndexingJob
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("jobs.Get", "job %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkRunning commits the running transition for attempt. It returns false
// without error when the job has already reached a terminal state, which
// happens on queue redelivery.
func (r *JobRepository) MarkRunning(ctx context.Context, id string, attempt int) (bool, error) {
	started := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.IndexingJob{}).
			Where("id = ? AND status NOT IN ?", id, []domain.JobStatus{domain.JobStatusSucceeded, domain.JobStatusFailedDead}).
			Updates(map[string]interface{}{
				"status":          domain.JobStatusRunning,
				"attempt":         attempt,
				"transitioned_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			started = true
			return nil
		}
		var count int64
		if err := tx.Model(&domain.IndexingJob{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return apperr.NotFound("jobs.MarkRunning", "job %s", id)
		}
		return nil
	})
	return started, err
}

// transition applies updates when the job is in one of from. It reports
// whether a row changed.
func (r *JobRepository) transition(ctx context.Context, id string, from []domain.JobStatus, updates map[string]interface{}) (bool, error) {
	updates["transitioned_at"] = time.Now().UTC()
	var changed bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.IndexingJob{}).
			Where("id = ? AND status IN ?", id, from).
			Updates(updates)
		changed = res.RowsAffected > 0
		return res.Error
	})
	return changed, err
}

// MarkSucceeded records success. A job the reaper already declared dead is
// also allowed to succeed, since its writes did complete.
func (r *JobRepository) MarkSucceeded(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, id,
		[]domain.JobStatus{domain.JobStatusRunning, domain.JobStatusFailedDead},
		map[string]interface{}{
			"status":         domain.JobStatusSucceeded,
			"checkpoint":     "",
			"failure_reason": "",
			"last_error":     "",
		})
}

// MarkRetry records a retryable failure and the stage to resume from.
func (r *JobRepository) MarkRetry(ctx context.Context, id string, checkpoint apperr.Stage, lastErr string) (bool, error) {
	return r.transition(ctx, id,
		[]domain.JobStatus{domain.JobStatusRunning},
		map[string]interface{}{
			"status":     domain.JobStatusFailedRetry,
			"checkpoint": string(checkpoint),
			"last_error": lastErr,
		})
}

// MarkDead records a terminal failure.
func (r *JobRepository) MarkDead(ctx context.Context, id, reason, lastErr string) (bool, error) {
	return r.transition(ctx, id,
		[]domain.JobStatus{domain.JobStatusRunning, domain.JobStatusQueued, domain.JobStatusFailedRetry},
		map[string]interface{}{
			"status":         domain.JobStatusFailedDead,
			"failure_reason": reason,
			"last_error":     lastErr,
		})
}

// Revive puts a dead job back to queued with a fresh attempt budget.
func (r *JobRepository) Revive(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	return r.transition(ctx, id,
		[]domain.JobStatus{domain.JobStatusFailedDead},
		map[string]interface{}{
			"status":         domain.JobStatusQueued,
			"attempt":        0,
			"checkpoint":     "",
			"failure_reason": "",
			"last_error":     "",
			"enqueued_at":    now,
		})
}

// FindStaleRunning lists running jobs last transitioned before cutoff.
func (r *JobRepository) FindStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]domain.IndexingJob, error) {
	var jobs []domain.IndexingJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND transitioned_at < ?", domain.JobStatusRunning, cutoff).
		Order("transitioned_at").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ReapStale marks one stale running job dead with reason timeout. The
// cutoff is re-checked so a job that moved on meanwhile is left alone.
func (r *JobRepository) ReapStale(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	var changed bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.IndexingJob{}).
			Where("id = ? AND status = ? AND transitioned_at < ?", id, domain.JobStatusRunning, cutoff).
			Updates(map[string]interface{}{
				"status":          domain.JobStatusFailedDead,
				"failure_reason":  domain.FailureReasonTimeout,
				"last_error":      "no progress before reaper timeout",
				"transitioned_at": time.Now().UTC(),
			})
		changed = res.RowsAffected > 0
		return res.Error
	})
	return changed, err
}

// waitingStatuses are the states in which a job depends on a queued message.
var waitingStatuses = []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusFailedRetry}

// FindStaleWaiting lists queued and failed_retry jobs last transitioned
// before cutoff. Their message was most likely lost.
func (r *JobRepository) FindStaleWaiting(ctx context.Context, cutoff time.Time, limit int) ([]domain.IndexingJob, error) {
	var jobs []domain.IndexingJob
	err := r.db.WithContext(ctx).
		Where("status IN ? AND transitioned_at < ?", waitingStatuses, cutoff).
		Order("transitioned_at").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ClaimRequeue stamps a stale waiting job so that only one reaper
// re-enqueues it. It reports whether this caller won.
func (r *JobRepository) ClaimRequeue(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.IndexingJob{}).
		Where("id = ? AND status IN ? AND transitioned_at < ?", id, waitingStatuses, cutoff).
		Updates(map[string]interface{}{
			"transitioned_at": time.Now().UTC(),
			"enqueued_at":     time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

// DeleteTerminalBefore deletes up to batch terminal jobs transitioned
// before cutoff, oldest first.
func (r *JobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	db := r.db.WithContext(ctx)
	ids := db.Model(&domain.IndexingJob{}).
		Select("id").
		Where("status IN ? AND transitioned_at < ?",
			[]domain.JobStatus{domain.JobStatusSucceeded, domain.JobStatusFailedDead}, cutoff).
		Order("transitioned_at").
		Limit(batch)
	res := db.Where("id IN (?)", ids).Delete(&domain.IndexingJob{})
	return res.RowsAffected, res.Error
}

// CountByStatus returns job counts keyed by status.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	var rows []struct {
		Status domain.JobStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&domain.IndexingJob{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.JobStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}
