package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/webindex/internal/api/handler"
	"github.com/timmy/webindex/internal/api/middleware"
	"github.com/timmy/webindex/internal/domain"
	"github.com/timmy/webindex/internal/logger"
	"github.com/timmy/webindex/internal/queue"
	"github.com/timmy/webindex/internal/repository"
	"github.com/timmy/webindex/internal/service"
	"github.com/timmy/webindex/internal/telemetry"
)

type stubStore struct {
	hits []domain.Hit
	err  error
}

func (s *stubStore) Upsert(context.Context, []domain.IndexEntry) error     { return s.err }
func (s *stubStore) BulkUpsert(context.Context, []domain.IndexEntry) error { return s.err }
func (s *stubStore) DeleteStale(context.Context, string, []string) error     { return s.err }

type stubVectors struct{ *stubStore }

func (s stubVectors) Search(_ context.Context, _ []float32, limit int, _ domain.SearchFilters) ([]domain.Hit, error) {
	return s.search(limit)
}

type stubKeywords struct{ *stubStore }

func (s stubKeywords) Search(_ context.Context, _ string, limit int, _ domain.SearchFilters) ([]domain.Hit, error) {
	return s.search(limit)
}

func (s *stubStore) search(limit int) ([]domain.Hit, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.hits) > limit {
		return s.hits[:limit], nil
	}
	return s.hits, nil
}

type stubEmbedder struct{}

func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1}
	}
	return out, nil
}

func (stubEmbedder) EmbedQuery(context.Context, string) ([]float32, error) { return []float32{1}, nil }
func (stubEmbedder) ModelName() string                                       { return "stub" }

type testServer struct {
	router   *gin.Engine
	vectors  *stubStore
	keywords *stubStore
	queue    *queue.MemoryQueue
	jobs     *repository.JobRepository
	ready    error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := repository.NewMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	ts := &testServer{
		vectors: &stubStore{hits: []domain.Hit{
			{ContentKey: "a", DocumentURL: "https://example.com/a", Snippet: "alpha"},
			{ContentKey: "b", DocumentURL: "https://example.com/b", Snippet: "beta"},
		}},
		keywords: &stubStore{hits: []domain.Hit{
			{ContentKey: "b", DocumentURL: "https://example.com/b", Snippet: "beta"},
		}},
		queue: queue.NewMemoryQueue(0),
	}

	tel := telemetry.NewProvider()
	jobRepo := repository.NewJobRepository(db)
	ts.jobs = jobRepo
	sessions := repository.NewCrawlSessionRepository(db)
	metrics := repository.NewMetricRepository(db)
	recorder := service.NewMetricsRecorder(metrics, tel, logger.Discard(), service.MetricsRecorderConfig{})
	t.Cleanup(func() { _ = recorder.Close(context.Background()) })

	tracker := service.NewCrawlTracker(sessions, metrics, recorder)
	jobs := service.NewJobService(jobRepo, ts.queue, nil, tel, 3)
	deps := Dependencies{
		Search:     service.NewSearchService(stubVectors{ts.vectors}, stubKeywords{ts.keywords}, stubEmbedder{}, recorder, tel, service.SearchConfig{}),
		Dispatcher: service.NewEventDispatcher(jobs, tracker),
		Jobs:       jobs,
		Tracker:    tracker,
		Reaper:     service.NewReaper(jobRepo, sessions, ts.queue, tracker, recorder, tel, 0),
		Sweeper:    service.NewSweeper(metrics, sessions, jobRepo, tel, 0, 0),
		Queue:      ts.queue,
		JobRepo:    jobRepo,
		Telemetry:  tel,
		Checks: map[string]handler.Checker{
			"database": func(context.Context) error { return ts.ready },
		},
		Logger: logger.Discard(),
	}
	ts.router = SetupRouter(deps, "test", middleware.CORSConfig{AllowedOrigins: []string{"https://app.example"}})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts.ready = errors.New("connection refused")
	w = ts.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, []interface{}{"database"}, decode(t, w)["failed"])
}

func TestPageReadyEventCreatesJob(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"type":    "page_ready",
		"payload": map[string]interface{}{"url": "https://example.com/a", "raw_text": "hello", "crawl_id": "X"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	jobID, _ := decode(t, w)["job_id"].(string)
	require.NotEmpty(t, jobID)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode(t, w)
	assert.Equal(t, "queued", job["status"])
	assert.Equal(t, "https://example.com/a", job["document_url"])

	w = ts.do(t, http.MethodGet, "/api/v1/admin/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode(t, w)
	assert.Equal(t, float64(1), status["depth"])
}

func TestEventValidation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"type":    "page_ready",
		"payload": map[string]interface{}{"raw_text": "no url"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "permanent_input", decode(t, w)["kind"])

	w = ts.do(t, http.MethodPost, "/api/v1/events", map[string]interface{}{"type": "page_deleted", "payload": map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventBatch(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/events/batch", []map[string]interface{}{
		{"type": "crawl_started", "payload": map[string]string{"crawl_id": "X"}},
		{"type": "page_ready", "payload": map[string]string{"url": "https://example.com/a", "raw_text": "x", "crawl_id": "X"}},
		{"type": "page_ready", "payload": map[string]string{"raw_text": "missing url"}},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["accepted"])
	assert.Equal(t, float64(1), body["rejected"])
}

func TestCrawlEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"type":    "crawl_started",
		"payload": map[string]string{"crawl_id": "X", "base_url": "https://example.com"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/crawls/X?include_operations=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode(t, w)
	assert.Equal(t, "X", report["crawl_id"])
	assert.Equal(t, "in_progress", report["status"])

	w = ts.do(t, http.MethodPost, "/api/v1/crawls/X/recompute", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/crawls/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["kind"])
}

func TestSearchEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/search", map[string]interface{}{"query": "beta", "limit": 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp service.SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.SearchModeHybrid, resp.Mode)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "b", resp.Results[0].ContentKey, "found by both retrievers")

	w = ts.do(t, http.MethodGet, "/api/v1/search?q=beta&mode=keyword", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 1)

	w = ts.do(t, http.MethodPost, "/api/v1/search", map[string]interface{}{"limit": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/search?q=x&limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/search", map[string]interface{}{"query": "beta", "mode": "fuzzy"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchStoreFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.keywords.err = errors.New("cluster red")

	w := ts.do(t, http.MethodPost, "/api/v1/search", map[string]interface{}{"query": "beta"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, decode(t, w)["request_id"])
}

func TestRequestIDAndCORS(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-123")
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(middleware.RequestIDHeader))
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/search", nil)
	req.Header.Set("Origin", "https://app.example")
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}

func TestMetricsAndMaintenance(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w = ts.do(t, http.MethodPost, "/api/v1/admin/reap", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["jobs"])

	w = ts.do(t, http.MethodPost, "/api/v1/admin/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["metrics"])
}

func TestReplayDeadJob(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"type":    "page_ready",
		"payload": map[string]interface{}{"url": "https://example.com/a", "raw_text": "hello"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	jobID, _ := decode(t, w)["job_id"].(string)

	w = ts.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/replay", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ok, err := ts.jobs.MarkDead(context.Background(), jobID, "embed_failed", "model down")
	require.NoError(t, err)
	require.True(t, ok)

	w = ts.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/replay", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	job := decode(t, w)
	assert.Equal(t, "queued", job["status"])
	assert.Nil(t, job["failure_reason"])

	w = ts.do(t, http.MethodPost, "/api/v1/jobs/missing/replay", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
