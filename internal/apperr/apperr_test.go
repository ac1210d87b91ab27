package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"context deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{"net timeout", fmt.Errorf("dial: %w", timeoutErr{}), KindTimeout},
		{"grpc deadline", status.Error(codes.DeadlineExceeded, "context deadline exceeded"), KindTimeout},
		{"wrapped grpc deadline", fmt.Errorf("failed to search: %w", status.Error(codes.DeadlineExceeded, "deadline")), KindTimeout},
		{"grpc unavailable", status.Error(codes.Unavailable, "connection refused"), KindTransientIO},
		{"plain", errors.New("boom"), KindTransientIO},
		{"typed kept", Permanent("op", errors.New("bad")), KindPermanentInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err).Kind)
		})
	}
	assert.Nil(t, Classify(nil))
}

func TestRetryableAndStage(t *testing.T) {
	assert.True(t, Retryable(status.Error(codes.DeadlineExceeded, "deadline")))
	assert.False(t, Retryable(Permanent("op", errors.New("bad"))))

	err := fmt.Errorf("write: %w", WriteFailure("index", StageKeywordWrite, errors.New("es down")))
	assert.True(t, Retryable(err))
	assert.Equal(t, StageKeywordWrite, StageOf(err))
	assert.Equal(t, StageNone, StageOf(errors.New("plain")))
}

func TestNotFoundMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NotFound("jobs.Get", "job %s", "x"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrPermanentInput)
}
