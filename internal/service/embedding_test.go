package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/webindex/internal/apperr"
)

// echoEmbedHandler returns [n] for input "tN", listing results in reverse
// order so callers must reorder by index.
func echoEmbedHandler(t *testing.T, calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			n, err := strconv.Atoi(strings.TrimPrefix(req.Input[i], "t"))
			require.NoError(t, err)
			data = append(data, item{Embedding: []float32{float32(n)}, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}
}

func newTestEmbeddingClient(url string) *EmbeddingClient {
	return NewEmbeddingClient(&EmbeddingConfig{
		Endpoint:    url,
		Model:       "test-model",
		APIKey:      "secret",
		Dimensions:  1,
		BatchSize:   32,
		Timeout:     time.Second,
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
	})
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("t%d", i)
	}
	return out
}

func TestEmbedBatchPreservesOrderAcrossBatches(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(echoEmbedHandler(t, &calls))
	defer srv.Close()

	vectors, err := newTestEmbeddingClient(srv.URL).EmbedBatch(context.Background(), texts(70))
	require.NoError(t, err)
	require.Len(t, vectors, 70)
	for i, v := range vectors {
		assert.Equal(t, []float32{float32(i)}, v)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	vectors, err := newTestEmbeddingClient("http://127.0.0.1:1").EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestEmbedBatchRetriesTransientFailures(t *testing.T) {
	var calls, failures int32
	ok := echoEmbedHandler(t, &calls)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n := atomic.AddInt32(&failures, 1); n <= 2 {
			status := http.StatusServiceUnavailable
			if n == 2 {
				status = http.StatusTooManyRequests
			}
			w.WriteHeader(status)
			return
		}
		ok(w, r)
	}))
	defer srv.Close()

	vectors, err := newTestEmbeddingClient(srv.URL).EmbedBatch(context.Background(), texts(2))
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, int32(3), atomic.LoadInt32(&failures))
}

func TestEmbedBatchExhaustedIsUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestEmbeddingClient(srv.URL).EmbedBatch(context.Background(), texts(1))
	require.Error(t, err)
	assert.Equal(t, apperr.KindEmbeddingUnavailable, apperr.KindOf(err))
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestEmbedBatchClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"input too long"}`))
	}))
	defer srv.Close()

	_, err := newTestEmbeddingClient(srv.URL).EmbedBatch(context.Background(), texts(1))
	require.Error(t, err)
	assert.Equal(t, apperr.KindPermanentInput, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "input too long")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEmbedBatchCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"embedding":[1],"index":0}]}`))
	}))
	defer srv.Close()

	_, err := newTestEmbeddingClient(srv.URL).EmbedBatch(context.Background(), texts(2))
	require.Error(t, err)
	assert.Equal(t, apperr.KindEmbeddingUnavailable, apperr.KindOf(err))
}

func TestEmbedBatchPerCallTimeout(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := newTestEmbeddingClient(srv.URL)
	c.timeout = 20 * time.Millisecond
	c.maxAttempts = 2

	_, err := c.EmbedBatch(context.Background(), texts(1))
	require.Error(t, err)
	assert.Equal(t, apperr.KindEmbeddingUnavailable, apperr.KindOf(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

type countingEmbedder struct {
	queries int32
}

func (e *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

func (e *countingEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&e.queries, 1)
	return []float32{float32(len(text))}, nil
}

func (e *countingEmbedder) ModelName() string { return "counting" }

func TestCachedQueryEmbedder(t *testing.T) {
	inner := &countingEmbedder{}
	cached := NewCachedQueryEmbedder(inner, 2)
	ctx := context.Background()

	v1, err := cached.EmbedQuery(ctx, "golang")
	require.NoError(t, err)
	v2, err := cached.EmbedQuery(ctx, "golang")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.queries))

	_, err = cached.EmbedQuery(ctx, "rust")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.queries))
}
