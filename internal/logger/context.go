package logger

import (
	"context"
	"sync"
)

type ctxKey struct{}

var fallbackMu sync.RWMutex

var fallback = New(&Options{Level: "info", Format: "json"})

// SetDefault replaces the logger returned when a context carries none.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	fallbackMu.Lock()
	fallback = l
	fallbackMu.Unlock()
}

// Default returns the process-wide fallback logger.
func Default() *Logger {
	fallbackMu.RLock()
	defer fallbackMu.RUnlock()
	return fallback
}

// WithContext stores l in ctx.
// Parameters:
//   - ctx: parent context.
// Returns:
//   - context.Context: child context carrying l.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx or the default logger.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
			return l
		}
	}
	return Default()
}

// WithField returns a child context whose logger carries key=value.
func WithField(ctx context.Context, key string, value interface{}) context.Context {
	return FromContext(ctx).WithField(key, value).WithContext(ctx)
}

// WithFields returns a child context whose logger carries fields.
func WithFields(ctx context.Context, fields Fields) context.Context {
	return FromContext(ctx).WithFields(fields).WithContext(ctx)
}

func SetRequestID(ctx context.Context, id string) context.Context {
	return WithField(ctx, FieldRequestID, id)
}

func SetJobID(ctx context.Context, id string) context.Context {
	return WithField(ctx, FieldJobID, id)
}

// SetCrawlID tags the context logger with a crawl id. Empty ids are ignored
// so ad-hoc pages do not log a blank field.
func SetCrawlID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return WithField(ctx, FieldCrawlID, id)
}

func SetDocumentURL(ctx context.Context, url string) context.Context {
	return WithField(ctx, FieldDocumentURL, url)
}

func SetSearchID(ctx context.Context, id string) context.Context {
	return WithField(ctx, FieldSearchID, id)
}

func SetComponent(ctx context.Context, name string) context.Context {
	return WithField(ctx, FieldComponent, name)
}

// GetString reads a string field back from the context logger.
func GetString(ctx context.Context, key string) string {
	v, ok := FromContext(ctx).Data[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetRequestID returns the request id carried by ctx.
func GetRequestID(ctx context.Context) string {
	return GetString(ctx, FieldRequestID)
}
