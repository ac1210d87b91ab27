package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/timmy/webindex/internal/domain"
)

// ElasticsearchConnectionConfig holds configuration for the keyword index.
type ElasticsearchConnectionConfig struct {
	Addresses      []string
	Username       string
	Password       string
	APIKey         string
	Index          string
	RefreshOnWrite bool
	MaxRetries     int
}

// ElasticsearchRepository is the keyword index. Documents use the content
// key as _id, so indexing the same chunk again replaces it.
type ElasticsearchRepository struct {
	client  *es.Client
	index   string
	refresh bool
}

// keywordDocument is the _source stored per chunk.
type keywordDocument struct {
	ContentKey  string    `json:"content_key"`
	DocumentURL string    `json:"document_url"`
	Ordinal     int       `json:"ordinal"`
	Text        string    `json:"text"`
	Title       string    `json:"title,omitempty"`
	Language    string    `json:"language,omitempty"`
	Domain      string    `json:"domain,omitempty"`
	CrawlID     string    `json:"crawl_id,omitempty"`
	IndexedAt   time.Time `json:"indexed_at"`
}

var keywordMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"content_key":  map[string]string{"type": "keyword"},
			"document_url": map[string]string{"type": "keyword"},
			"ordinal":      map[string]string{"type": "integer"},
			"text":         map[string]string{"type": "text"},
			"title":        map[string]string{"type": "text"},
			"language":     map[string]string{"type": "keyword"},
			"domain":       map[string]string{"type": "keyword"},
			"crawl_id":     map[string]string{"type": "keyword"},
			"indexed_at":   map[string]string{"type": "date"},
		},
	},
}

// NewElasticsearchRepository creates the keyword index client.
func NewElasticsearchRepository(cfg *ElasticsearchConnectionConfig) (*ElasticsearchRepository, error) {
	client, err := es.NewClient(es.Config{
		Addresses:  cfg.Addresses,
		Username:   cfg.Username,
		Password:   cfg.Password,
		APIKey:     cfg.APIKey,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return &ElasticsearchRepository{client: client, index: cfg.Index, refresh: cfg.RefreshOnWrite}, nil
}

func responseError(res *esapi.Response, op string) error {
	body, _ := io.ReadAll(res.Body)
	return fmt.Errorf("%s returned [%d]: %s", op, res.StatusCode, string(body))
}

// Ping verifies the cluster is reachable.
func (r *ElasticsearchRepository) Ping(ctx context.Context) error {
	res, err := r.client.Ping(r.client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return responseError(res, "ping")
	}
	return nil
}

// EnsureIndex creates the index with its mapping if it does not exist.
func (r *ElasticsearchRepository) EnsureIndex(ctx context.Context) error {
	res, err := r.client.Indices.Exists([]string{r.index}, r.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	_ = res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(keywordMapping); err != nil {
		return fmt.Errorf("error encoding mapping: %w", err)
	}
	res, err = r.client.Indices.Create(r.index,
		r.client.Indices.Create.WithContext(ctx),
		r.client.Indices.Create.WithBody(&buf),
	)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return responseError(res, "create index")
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

// buildBulkBody renders index actions as NDJSON.
func buildBulkBody(index string, entries []domain.IndexEntry, now time.Time) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		e := &entries[i]
		action := map[string]interface{}{
			"index": map[string]string{"_index": index, "_id": e.ContentKey},
		}
		if err := enc.Encode(action); err != nil {
			return nil, err
		}
		if err := enc.Encode(keywordDocument{
			ContentKey:  e.ContentKey,
			DocumentURL: e.DocumentURL,
			Ordinal:     e.Ordinal,
			Text:        e.Text,
			Title:       e.Metadata.Title,
			Language:    e.Metadata.Language,
			Domain:      e.Metadata.Domain,
			CrawlID:     e.CrawlID,
			IndexedAt:   now,
		}); err != nil {
			return nil, err
		}
	}
	return &buf, nil
}

// BulkUpsert indexes entries in one _bulk request. Any item failure fails
// the whole call; the retry rewrites every entry, which is idempotent.
func (r *ElasticsearchRepository) BulkUpsert(ctx context.Context, entries []domain.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	body, err := buildBulkBody(r.index, entries, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to encode bulk body: %w", err)
	}

	res, err := r.client.Bulk(body,
		r.client.Bulk.WithContext(ctx),
		r.client.Bulk.WithIndex(r.index),
		r.client.Bulk.WithRefresh(strconv.FormatBool(r.refresh)),
	)
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return responseError(res, "bulk")
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if !parsed.Errors {
		return nil
	}
	failed := 0
	var first string
	for _, item := range parsed.Items {
		for _, result := range item {
			if result.Error != nil {
				if failed == 0 {
					first = fmt.Sprintf("%s: %s: %s", result.ID, result.Error.Type, result.Error.Reason)
				}
				failed++
			}
		}
	}
	return fmt.Errorf("bulk indexed with %d/%d failures, first: %s", failed, len(entries), first)
}

// buildKeywordQuery renders a filtered multi_match query with highlighting.
func buildKeywordQuery(text string, limit int, filters domain.SearchFilters) map[string]interface{} {
	var filter []interface{}
	if filters.Domain != "" {
		filter = append(filter, map[string]interface{}{"term": map[string]string{"domain": filters.Domain}})
	}
	if filters.Language != "" {
		filter = append(filter, map[string]interface{}{"term": map[string]string{"language": filters.Language}})
	}

	boolQuery := map[string]interface{}{
		"must": []interface{}{
			map[string]interface{}{
				"multi_match": map[string]interface{}{
					"query":  text,
					"fields": []string{"text", "title^2"},
				},
			},
		},
	}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}

	return map[string]interface{}{
		"size":  limit,
		"query": map[string]interface{}{"bool": boolQuery},
		"highlight": map[string]interface{}{
			"fields": map[string]interface{}{
				"text": map[string]interface{}{"fragment_size": 200, "number_of_fragments": 1},
			},
		},
	}
}

type keywordSearchResponse struct {
	Hits struct {
		Hits []struct {
			ID        string              `json:"_id"`
			Score     float64             `json:"_score"`
			Source    keywordDocument     `json:"_source"`
			Highlight map[string][]string `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search returns matching chunks in Elasticsearch's native score order.
func (r *ElasticsearchRepository) Search(ctx context.Context, text string, limit int, filters domain.SearchFilters) ([]domain.Hit, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(buildKeywordQuery(text, limit, filters)); err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	res, err := r.client.Search(
		r.client.Search.WithContext(ctx),
		r.client.Search.WithIndex(r.index),
		r.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return nil, responseError(res, "search")
	}

	var parsed keywordSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	hits := make([]domain.Hit, len(parsed.Hits.Hits))
	for i, h := range parsed.Hits.Hits {
		snip := snippet(h.Source.Text)
		if frags := h.Highlight["text"]; len(frags) > 0 {
			snip = frags[0]
		}
		key := h.Source.ContentKey
		if key == "" {
			key = h.ID
		}
		hits[i] = domain.Hit{
			ContentKey:  key,
			DocumentURL: h.Source.DocumentURL,
			Ordinal:     h.Source.Ordinal,
			Text:        h.Source.Text,
			Snippet:     snip,
			Score:       h.Score,
			Metadata: domain.DocumentMetadata{
				Title:    h.Source.Title,
				Language: h.Source.Language,
				Domain:   h.Source.Domain,
			},
		}
	}
	return hits, nil
}

// DeleteStale removes the chunks of a document whose content key is not in
// keep.
func (r *ElasticsearchRepository) DeleteStale(ctx context.Context, documentURL string, keep []string) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(buildStaleQuery(documentURL, keep)); err != nil {
		return err
	}
	res, err := r.client.DeleteByQuery([]string{r.index}, &buf,
		r.client.DeleteByQuery.WithContext(ctx),
		r.client.DeleteByQuery.WithRefresh(r.refresh),
	)
	if err != nil {
		return fmt.Errorf("delete by query failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return responseError(res, "delete by query")
	}
	return nil
}

func buildStaleQuery(documentURL string, keep []string) map[string]interface{} {
	boolQuery := map[string]interface{}{
		"filter": []interface{}{
			map[string]interface{}{"term": map[string]string{"document_url": documentURL}},
		},
	}
	if len(keep) > 0 {
		boolQuery["must_not"] = []interface{}{
			map[string]interface{}{"terms": map[string]interface{}{"content_key": keep}},
		}
	}
	return map[string]interface{}{"query": map[string]interface{}{"bool": boolQuery}}
}
