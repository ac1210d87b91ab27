package logger

import "context"

// Entry carries per-line metric fields (duration_ms, count, attempt).
// Example: logger.With(logger.Fields{"count": 3}).Info(ctx, "chunked page")
type Entry struct {
	fields Fields
}

// With starts an Entry with fields.
func With(fields Fields) *Entry {
	return &Entry{fields: fields}
}

// With merges more fields into a copy of e.
func (e *Entry) With(fields Fields) *Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Entry{fields: merged}
}

func (e *Entry) WithDuration(ms int64) *Entry {
	return e.With(Fields{FieldDurationMs: ms})
}

func (e *Entry) WithCount(n int) *Entry {
	return e.With(Fields{FieldCount: n})
}

func (e *Entry) WithStatus(status string) *Entry {
	return e.With(Fields{FieldStatus: status})
}

func (e *Entry) log(ctx context.Context) *Logger {
	return FromContext(ctx).WithFields(e.fields)
}

func (e *Entry) Debug(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx).Debugf(format, args...)
}

func (e *Entry) Info(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx).Infof(format, args...)
}

func (e *Entry) Warn(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx).Warnf(format, args...)
}

func (e *Entry) Error(ctx context.Context, format string, args ...interface{}) {
	e.log(ctx).Errorf(format, args...)
}
