package domain

import "time"

// JobStatus is the lifecycle state of an indexing job.
type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusRunning     JobStatus = "running"
	JobStatusSucceeded   JobStatus = "succeeded"
	JobStatusFailedRetry JobStatus = "failed_retry"
	JobStatusFailedDead  JobStatus = "failed_dead"
)

// Terminal reports whether no further transition is expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailedDead
}

// Failure reasons recorded on dead jobs.
const (
	FailureReasonTimeout   = "timeout"
	FailureReasonExhausted = "retries_exhausted"
	FailureReasonInput     = "permanent_input"
)

// IndexingJob is the persisted record of one page's indexing. The queue
// only carries the job id; this row is the source of truth for status.
type IndexingJob struct {
	ID             string    `gorm:"type:text;primaryKey" json:"id"`
	DocumentURL    string    `gorm:"type:text;not null" json:"document_url"`
	CrawlID        string    `gorm:"type:text;index:idx_indexing_jobs_crawl" json:"crawl_id,omitempty"`
	Status         JobStatus `gorm:"type:text;not null;default:queued;index:idx_indexing_jobs_status_transition,priority:1" json:"status"`
	Attempt        int       `gorm:"not null;default:0" json:"attempt"`
	MaxAttempts    int       `gorm:"not null;default:3" json:"max_attempts"`
	Checkpoint     string    `gorm:"type:text" json:"checkpoint,omitempty"`
	FailureReason  string    `gorm:"type:text" json:"failure_reason,omitempty"`
	LastError      string    `gorm:"type:text" json:"last_error,omitempty"`
	Payload        Document  `gorm:"type:text" json:"-"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	TransitionedAt time.Time `gorm:"index:idx_indexing_jobs_status_transition,priority:2" json:"transitioned_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for IndexingJob.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (IndexingJob) TableName() string {
	return "indexing_jobs"
}

// JobMessage is the queue payload for one attempt of a job.
type JobMessage struct {
	JobID      string    `json:"job_id"`
	Document   Document  `json:"document"`
	Attempt    int       `json:"attempt"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
