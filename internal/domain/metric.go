package domain

import "time"

// OperationType groups operation metrics for aggregation.
type OperationType string

const (
	OpChunking     OperationType = "chunking"
	OpEmbedding    OperationType = "embedding"
	OpVectorWrite  OperationType = "vector-write"
	OpKeywordWrite OperationType = "keyword-write"
	OpWorker       OperationType = "worker"
	OpQuery        OperationType = "query"
	OpReaper       OperationType = "reaper"
)

// OperationMetric is one timed operation. Rows reference crawls by id only;
// there is no foreign key, so metrics may arrive before their session row.
type OperationMetric struct {
	ID            uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	OperationType OperationType `gorm:"type:text;not null" json:"operation_type"`
	OperationName string        `gorm:"type:text;not null" json:"operation_name"`
	DurationMs    int64         `gorm:"not null" json:"duration_ms"`
	Success       bool          `gorm:"not null" json:"success"`
	ErrorKind     string        `gorm:"type:text" json:"error_kind,omitempty"`
	CrawlID       *string       `gorm:"type:text;index:idx_operation_metrics_crawl_id" json:"crawl_id,omitempty"`
	DocumentURL   *string       `gorm:"type:text" json:"document_url,omitempty"`
	Timestamp     time.Time     `gorm:"not null;index:idx_operation_metrics_timestamp" json:"timestamp"`
}

// TableName returns the database table name for OperationMetric.
func (OperationMetric) TableName() string {
	return "operation_metrics"
}

// StringPtr returns nil for "" and &s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
