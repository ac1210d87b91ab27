// Package apperr defines the error kinds shared by the indexing pipeline,
// the query path and the HTTP layer.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an error for retry and HTTP mapping decisions.
type Kind string

const (
	KindTransientIO          Kind = "transient_io"
	KindPermanentInput       Kind = "permanent_input"
	KindEmbeddingUnavailable Kind = "embedding_unavailable"
	KindIndexWriteFailure    Kind = "index_write_failure"
	KindNotFound             Kind = "not_found"
	KindTimeout              Kind = "timeout"
)

// Stage names the pipeline step an IndexWriteFailure came from.
type Stage string

const (
	StageNone         Stage = ""
	StageChunking     Stage = "chunking"
	StageEmbedding    Stage = "embedding"
	StageVectorWrite  Stage = "vector-write"
	StageKeywordWrite Stage = "keyword-write"
)

// Error is the structured error used across the service.
type Error struct {
	Kind  Kind
	Op    string
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Stage != StageNone {
		msg += " at " + string(e.Stage)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, apperr.ErrNotFound)
// works for any NotFound error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Stage == StageNone || t.Stage == e.Stage)
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrPermanentInput       = &Error{Kind: KindPermanentInput}
	ErrEmbeddingUnavailable = &Error{Kind: KindEmbeddingUnavailable}
	ErrIndexWriteFailure    = &Error{Kind: KindIndexWriteFailure}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrTransientIO          = &Error{Kind: KindTransientIO}
)

// E builds an *Error of kind for op wrapping err.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as a retryable I/O failure.
func Transient(op string, err error) *Error {
	return E(KindTransientIO, op, err)
}

// Permanent wraps err as bad input that must not be retried.
func Permanent(op string, err error) *Error {
	return E(KindPermanentInput, op, err)
}

// NotFound reports a missing entity.
func NotFound(op string, format string, args ...interface{}) *Error {
	return E(KindNotFound, op, fmt.Errorf(format, args...))
}

// EmbeddingUnavailable wraps the final failure of the embedding service.
func EmbeddingUnavailable(op string, err error) *Error {
	return E(KindEmbeddingUnavailable, op, err)
}

// WriteFailure reports a failed index write at stage.
func WriteFailure(op string, stage Stage, err error) *Error {
	return &Error{Kind: KindIndexWriteFailure, Op: op, Stage: stage, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain. Errors
// without one are classified by Classify.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Classify(err).Kind
}

// StageOf returns the stage of an IndexWriteFailure in err's chain.
func StageOf(err error) Stage {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Stage
	}
	return StageNone
}

// Retryable reports whether the job that produced err should be retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientIO, KindEmbeddingUnavailable, KindIndexWriteFailure, KindTimeout:
		return true
	default:
		return false
	}
}

// Classify converts an arbitrary error into an *Error. Deadlines, local
// or reported by a gRPC peer, become Timeout; unknown errors are treated
// as transient I/O.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return E(KindTimeout, "", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return E(KindTimeout, "", err)
	}
	if status.Code(err) == codes.DeadlineExceeded {
		return E(KindTimeout, "", err)
	}
	return E(KindTransientIO, "", err)
}
