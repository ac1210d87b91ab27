package domain

// SearchMode selects which retrieval paths a query uses.
type SearchMode string

const (
	SearchModeHybrid   SearchMode = "hybrid"
	SearchModeSemantic SearchMode = "semantic"
	SearchModeKeyword  SearchMode = "keyword"
)

// Valid reports whether m is a known mode.
func (m SearchMode) Valid() bool {
	switch m {
	case SearchModeHybrid, SearchModeSemantic, SearchModeKeyword:
		return true
	}
	return false
}

// SearchFilters restrict retrieval in both stores.
type SearchFilters struct {
	Domain   string `json:"domain,omitempty"`
	Language string `json:"language,omitempty"`
}

// Empty reports whether no filter is set.
func (f SearchFilters) Empty() bool {
	return f.Domain == "" && f.Language == ""
}

// Hit is one candidate from a single store, in that store's native order.
type Hit struct {
	ContentKey  string
	DocumentURL string
	Ordinal     int
	Text        string
	Snippet     string
	Score       float64
	Metadata    DocumentMetadata
}

// SearchResult is a ranked result returned to callers.
type SearchResult struct {
	ContentKey  string           `json:"content_key"`
	DocumentURL string           `json:"document_url"`
	Score       float64          `json:"score"`
	Snippet     string           `json:"snippet"`
	Metadata    DocumentMetadata `json:"metadata"`
}
