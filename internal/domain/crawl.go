package domain

import "time"

// CrawlStatus is the lifecycle state of a crawl session.
type CrawlStatus string

const (
	CrawlStatusInProgress CrawlStatus = "in_progress"
	CrawlStatusCompleted  CrawlStatus = "completed"
	CrawlStatusFailed     CrawlStatus = "failed"
)

// CrawlSession aggregates the indexing work done for one crawl.
type CrawlSession struct {
	ID                  uint        `gorm:"primaryKey;autoIncrement" json:"-"`
	CrawlID             string      `gorm:"type:text;not null;uniqueIndex:idx_crawl_sessions_crawl_id" json:"crawl_id"`
	BaseURL             string      `gorm:"type:text" json:"base_url"`
	StartedAt           time.Time   `gorm:"not null;index:idx_crawl_sessions_started_at" json:"started_at"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty"`
	InitiatedAt         *time.Time  `json:"initiated_at,omitempty"`
	Status              CrawlStatus `gorm:"type:text;not null;default:in_progress;index:idx_crawl_sessions_status" json:"status"`
	FailureReason       string      `gorm:"type:text" json:"failure_reason,omitempty"`
	TotalPages          int         `gorm:"not null;default:0" json:"total_pages"`
	PagesIndexed        int         `gorm:"not null;default:0" json:"pages_indexed"`
	PagesFailed         int         `gorm:"not null;default:0" json:"pages_failed"`
	TotalChunkingMs     int64       `gorm:"not null;default:0" json:"total_chunking_ms"`
	TotalEmbeddingMs    int64       `gorm:"not null;default:0" json:"total_embedding_ms"`
	TotalVectorWriteMs  int64       `gorm:"not null;default:0" json:"total_vector_write_ms"`
	TotalKeywordWriteMs int64       `gorm:"not null;default:0" json:"total_keyword_write_ms"`
	DurationMs          *int64      `json:"duration_ms,omitempty"`
	E2EDurationMs       *int64      `gorm:"column:e2e_duration_ms" json:"e2e_duration_ms,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// TableName returns the database table name for CrawlSession.
func (CrawlSession) TableName() string {
	return "crawl_sessions"
}

// CrawlAggregate is the result of folding a crawl's operation metrics.
type CrawlAggregate struct {
	TotalPages          int
	PagesIndexed        int
	PagesFailed         int
	TotalChunkingMs     int64
	TotalEmbeddingMs    int64
	TotalVectorWriteMs  int64
	TotalKeywordWriteMs int64
}

// Apply copies the aggregate onto the session.
func (a CrawlAggregate) Apply(s *CrawlSession) {
	s.TotalPages = a.TotalPages
	s.PagesIndexed = a.PagesIndexed
	s.PagesFailed = a.PagesFailed
	s.TotalChunkingMs = a.TotalChunkingMs
	s.TotalEmbeddingMs = a.TotalEmbeddingMs
	s.TotalVectorWriteMs = a.TotalVectorWriteMs
	s.TotalKeywordWriteMs = a.TotalKeywordWriteMs
}
