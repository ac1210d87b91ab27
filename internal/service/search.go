package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/timmy/webindex/internal/apperr"
	"github.com/timmy/webindex/internal/domain"
	"github.com/timmy/webindex/internal/logger"
	"github.com/timmy/webindex/internal/telemetry"
)

// SearchConfig holds configuration for search service.
type SearchConfig struct {
	DefaultLimit        int
	MaxLimit            int
	CandidateMultiplier int
	RRFConstant         float64
	Timeout             time.Duration
}

func (c SearchConfig) withDefaults() SearchConfig {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 100
	}
	if c.CandidateMultiplier < 2 {
		c.CandidateMultiplier = 3
	}
	if c.RRFConstant <= 0 {
		c.RRFConstant = DefaultRRFConstant
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// SearchService answers queries against the vector store, the keyword
// store, or both fused with RRF.
type SearchService struct {
	vectors   VectorStore
	keywords  KeywordStore
	embedder  Embedder
	recorder  *MetricsRecorder
	telemetry *telemetry.Provider
	cfg       SearchConfig
}

// NewSearchService creates a new search service.
// Parameters:
//   - vectors: vector store for semantic retrieval.
//   - keywords: keyword store for lexical retrieval.
//   - embedder: query embedder, usually a CachedQueryEmbedder.
//   - recorder: operation metric recorder; may be nil.
//   - tel: telemetry provider; may be nil.
//   - cfg: limits, candidate multiplier, κ and per-call timeout.
//
// Returns:
//   - *SearchService: initialized search service.
func NewSearchService(
	vectors VectorStore,
	keywords KeywordStore,
	embedder Embedder,
	recorder *MetricsRecorder,
	tel *telemetry.Provider,
	cfg SearchConfig,
) *SearchService {
	return &SearchService{
		vectors:   vectors,
		keywords:  keywords,
		embedder:  embedder,
		recorder:  recorder,
		telemetry: tel,
		cfg:       cfg.withDefaults(),
	}
}

// SearchRequest represents a search request.
type SearchRequest struct {
	Query   string               `json:"query" binding:"required"`
	Mode    domain.SearchMode    `json:"mode,omitempty"`
	Limit   int                  `json:"limit,omitempty"`
	Filters domain.SearchFilters `json:"filters,omitempty"`
}

// SearchResponse represents the search response.
type SearchResponse struct {
	Results []domain.SearchResult `json:"results"`
	Total   int                   `json:"total"`
	Mode    domain.SearchMode     `json:"mode"`
}

// Query runs a search.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: query text, mode (default hybrid), limit (default 10, max 100)
//     and filters.
//
// Returns:
//   - *SearchResponse: ranked results.
//   - error: PermanentInput for a bad request; Timeout,
//     EmbeddingUnavailable or TransientIO when a store call fails. A hybrid
//     query fails if either side fails.
func (s *SearchService) Query(ctx context.Context, req *SearchRequest) (resp *SearchResponse, err error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, apperr.Permanent("search.Query", fmt.Errorf("query is required"))
	}
	mode := req.Mode
	if mode == "" {
		mode = domain.SearchModeHybrid
	}
	if !mode.Valid() {
		return nil, apperr.Permanent("search.Query", fmt.Errorf("unknown mode %q", req.Mode))
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}

	ctx = logger.SetComponent(ctx, "search")
	ctx = logger.SetSearchID(ctx, uuid.New().String())
	timer := s.recorder.Start(domain.OpQuery, string(mode), "", "")
	defer func() {
		elapsed := timer.Stop(err)
		s.telemetry.RecordQuery(string(mode), err == nil, elapsed)
		entry := logger.With(logger.Fields{"mode": mode, "limit": limit}).WithDuration(elapsed.Milliseconds())
		if err != nil {
			entry.Warn(ctx, "Search failed: query=%q, error=%v", query, err)
			return
		}
		entry.WithCount(resp.Total).Info(ctx, "Search completed: query=%q", query)
	}()

	var hits []domain.Hit
	switch mode {
	case domain.SearchModeSemantic:
		hits, err = s.semantic(ctx, query, limit, req.Filters)
	case domain.SearchModeKeyword:
		hits, err = s.keyword(ctx, query, limit, req.Filters)
	default:
		hits, err = s.hybrid(ctx, query, limit, req.Filters)
	}
	if err != nil {
		return nil, err
	}

	results := make([]domain.SearchResult, len(hits))
	for i, h := range hits {
		results[i] = domain.SearchResult{
			ContentKey:  h.ContentKey,
			DocumentURL: h.DocumentURL,
			Score:       h.Score,
			Snippet:     h.Snippet,
			Metadata:    h.Metadata,
		}
	}
	return &SearchResponse{Results: results, Total: len(results), Mode: mode}, nil
}

func (s *SearchService) semantic(ctx context.Context, query string, limit int, filters domain.SearchFilters) ([]domain.Hit, error) {
	vector, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.vectorSearch(ctx, vector, limit, filters)
}

func (s *SearchService) keyword(ctx context.Context, query string, limit int, filters domain.SearchFilters) ([]domain.Hit, error) {
	return s.keywordSearch(ctx, query, limit, filters)
}

// hybrid retrieves limit×K candidates from each store concurrently and
// fuses them. The keyword side does not wait for the query embedding.
func (s *SearchService) hybrid(ctx context.Context, query string, limit int, filters domain.SearchFilters) ([]domain.Hit, error) {
	candidates := limit * s.cfg.CandidateMultiplier
	var vectorHits, keywordHits []domain.Hit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		keywordHits, err = s.keywordSearch(gctx, query, candidates, filters)
		return err
	})
	g.Go(func() error {
		vector, err := s.embedQuery(gctx, query)
		if err != nil {
			return err
		}
		vectorHits, err = s.vectorSearch(gctx, vector, candidates, filters)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.With(logger.Fields{
		"vector_hits":  len(vectorHits),
		"keyword_hits": len(keywordHits),
	}).Debug(ctx, "Fusing candidate lists")
	return FuseRRF([][]domain.Hit{vectorHits, keywordHits}, s.cfg.RRFConstant, limit), nil
}

func (s *SearchService) embedQuery(ctx context.Context, query string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, classifyCall("search.embed", err)
	}
	return vector, nil
}

func (s *SearchService) vectorSearch(ctx context.Context, vector []float32, limit int, filters domain.SearchFilters) ([]domain.Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	hits, err := s.vectors.Search(ctx, vector, limit, filters)
	if err != nil {
		return nil, classifyCall("search.vector", err)
	}
	return hits, nil
}

func (s *SearchService) keywordSearch(ctx context.Context, query string, limit int, filters domain.SearchFilters) ([]domain.Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	hits, err := s.keywords.Search(ctx, query, limit, filters)
	if err != nil {
		return nil, classifyCall("search.keyword", err)
	}
	return hits, nil
}

// classifyCall keeps typed errors and maps the rest, so a deadline on a
// store call surfaces as Timeout.
func classifyCall(op string, err error) error {
	ae := apperr.Classify(err)
	if ae.Op != "" {
		return ae
	}
	tagged := *ae
	tagged.Op = op
	return &tagged
}
