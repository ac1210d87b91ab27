package logger

// Fields is a set of structured log fields.
type Fields map[string]interface{}

// Tracing fields, carried on the context logger through a call chain.
const (
	FieldRequestID   = "request_id"
	FieldJobID       = "job_id"
	FieldCrawlID     = "crawl_id"
	FieldDocumentURL = "document_url"
	FieldSearchID    = "search_id"
	FieldComponent   = "component"
)

// Metric fields, attached per log line through Entry.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldStatus     = "status"
	FieldAttempt    = "attempt"
	FieldStage      = "stage"
)
