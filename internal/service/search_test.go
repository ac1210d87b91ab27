package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/webindex/internal/apperr"
	"github.com/timmy/webindex/internal/domain"
)

type searchFixture struct {
	vectors  *memoryStore
	keywords *memoryStore
	embedder *fakeEmbedder
	svc      *SearchService
}

func newSearchFixture(t *testing.T, cfg SearchConfig) *searchFixture {
	t.Helper()
	f := &searchFixture{
		vectors:  newMemoryStore(),
		keywords: newMemoryStore(),
		embedder: &fakeEmbedder{},
	}
	f.vectors.hits = []domain.Hit{hit("A", "https://a", 0.9), hit("B", "https://b", 0.8), hit("C", "https://c", 0.7)}
	f.keywords.hits = []domain.Hit{hit("B", "https://b", 12), hit("A", "https://a", 11), hit("D", "https://d", 10)}
	f.svc = NewSearchService(vectorSide{f.vectors}, keywordSide{f.keywords}, f.embedder, nil, nil, cfg)
	return f
}

func TestSearchService_HybridFusesBothLists(t *testing.T) {
	f := newSearchFixture(t, SearchConfig{})

	resp, err := f.svc.Query(context.Background(), &SearchRequest{Query: "golang channels"})
	require.NoError(t, err)

	assert.Equal(t, domain.SearchModeHybrid, resp.Mode)
	require.Equal(t, 4, resp.Total)
	got := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		got[i] = r.ContentKey
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, got)
	assert.Equal(t, 30, f.vectors.lastLimit, "limit 10 × K 3 candidates")
	assert.Equal(t, 30, f.keywords.lastLimit)
	assert.Equal(t, int32(1), f.embedder.queryCalls)
}

func TestSearchService_HybridKeywordSideDoesNotWaitForEmbedding(t *testing.T) {
	f := newSearchFixture(t, SearchConfig{})
	var keywordFirst atomic.Bool
	f.embedder.queryHook = func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if f.keywords.searchedWith() > 0 {
				keywordFirst.Store(true)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}

	_, err := f.svc.Query(context.Background(), &SearchRequest{Query: "golang channels"})
	require.NoError(t, err)
	assert.True(t, keywordFirst.Load(), "keyword search starts while the query is still being embedded")
}

func TestSearchService_SemanticMatchesVectorOrder(t *testing.T) {
	f := newSearchFixture(t, SearchConfig{})

	resp, err := f.svc.Query(context.Background(), &SearchRequest{Query: "q", Mode: domain.SearchModeSemantic, Limit: 2})
	require.NoError(t, err)

	require.Len(t, resp.Results, 2)
	for i, want := range f.vectors.hits[:2] {
		assert.Equal(t, want.ContentKey, resp.Results[i].ContentKey)
		assert.Equal(t, want.Score, resp.Results[i].Score)
	}
	assert.Equal(t, 2, f.vectors.lastLimit)
	assert.Zero(t, f.keywords.lastLimit, "keyword store untouched")
}

func TestSearchService_KeywordModeSkipsEmbedding(t *testing.T) {
	f := newSearchFixture(t, SearchConfig{})

	resp, err := f.svc.Query(context.Background(), &SearchRequest{
		Query:   "q",
		Mode:    domain.SearchModeKeyword,
		Filters: domain.SearchFilters{Domain: "example.com", Language: "en"},
	})
	require.NoError(t, err)

	assert.Equal(t, "B", resp.Results[0].ContentKey)
	assert.Equal(t, 12.0, resp.Results[0].Score)
	assert.Zero(t, f.embedder.queryCalls)
	assert.Equal(t, domain.SearchFilters{Domain: "example.com", Language: "en"}, f.keywords.lastFilters)
}

func TestSearchService_FiltersReachBothStores(t *testing.T) {
	f := newSearchFixture(t, SearchConfig{})
	filters := domain.SearchFilters{Language: "de"}

	_, err := f.svc.Query(context.Background(), &SearchRequest{Query: "q", Filters: filters})
	require.NoError(t, err)
	assert.Equal(t, filters, f.vectors.lastFilters)
	assert.Equal(t, filters, f.keywords.lastFilters)
}

func TestSearchService_HybridFailsWhenEitherSideFails(t *testing.T) {
	f := newSearchFixture(t, SearchConfig{})
	f.keywords.searchErr = errStoreDown

	_, err := f.svc.Query(context.Background(), &SearchRequest{Query: "q"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransientIO, apperr.KindOf(err))
}

func TestSearchService_StoreTimeout(t *testing.T) {
	f := newSearchFixture(t, SearchConfig{Timeout: 20 * time.Millisecond})
	f.vectors.searchDelay = time.Second

	_, err := f.svc.Query(context.Background(), &SearchRequest{Query: "q"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
}

func TestSearchService_EmbeddingFailure(t *testing.T) {
	f := newSearchFixture(t, SearchConfig{})
	f.embedder.queryErr = apperr.EmbeddingUnavailable("embed", errStoreDown)

	_, err := f.svc.Query(context.Background(), &SearchRequest{Query: "q", Mode: domain.SearchModeSemantic})
	assert.ErrorIs(t, err, apperr.ErrEmbeddingUnavailable)
}

func TestSearchService_Validation(t *testing.T) {
	f := newSearchFixture(t, SearchConfig{})

	_, err := f.svc.Query(context.Background(), &SearchRequest{Query: "   "})
	assert.ErrorIs(t, err, apperr.ErrPermanentInput)

	_, err = f.svc.Query(context.Background(), &SearchRequest{Query: "q", Mode: "fuzzy"})
	assert.ErrorIs(t, err, apperr.ErrPermanentInput)
}

func TestSearchService_LimitClamp(t *testing.T) {
	f := newSearchFixture(t, SearchConfig{CandidateMultiplier: 2})

	_, err := f.svc.Query(context.Background(), &SearchRequest{Query: "q", Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 200, f.vectors.lastLimit, "max limit 100 × K 2")
}

func TestSearchService_RecordsQueryMetric(t *testing.T) {
	db := newServiceTestDB(t)
	recorder := newTestRecorder(t, db)
	f := newSearchFixture(t, SearchConfig{})
	f.svc.recorder = recorder
	ctx := context.Background()

	_, err := f.svc.Query(ctx, &SearchRequest{Query: "q"})
	require.NoError(t, err)
	require.NoError(t, recorder.Flush(ctx))

	var rows []domain.OperationMetric
	require.NoError(t, db.Where("operation_type = ?", domain.OpQuery).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "hybrid", rows[0].OperationName)
	assert.True(t, rows[0].Success)
	assert.Nil(t, rows[0].CrawlID)
}
