package domain

// Chunk is a bounded, overlapping slice of a document's normalized text.
// ContentKey is stable for identical (url, ordinal, text) triples.
type Chunk struct {
	DocumentURL string `json:"document_url"`
	Ordinal     int    `json:"ordinal"`
	Text        string `json:"text"`
	TokenCount  int    `json:"token_count"`
	ContentKey  string `json:"content_key"`
}

// IndexEntry is what gets written to both the vector and keyword stores.
// Both stores key on ContentKey, so rewriting an entry replaces it.
type IndexEntry struct {
	ContentKey  string           `json:"content_key"`
	DocumentURL string           `json:"document_url"`
	Ordinal     int              `json:"ordinal"`
	Text        string           `json:"text"`
	Vector      []float32        `json:"-"`
	Metadata    DocumentMetadata `json:"metadata"`
	CrawlID     string           `json:"crawl_id,omitempty"`
}

// NewIndexEntries pairs chunks with their vectors. len(vectors) must equal
// len(chunks); a nil vectors slice yields keyword-only entries.
func NewIndexEntries(doc Document, chunks []Chunk, vectors [][]float32) []IndexEntry {
	entries := make([]IndexEntry, len(chunks))
	for i, c := range chunks {
		entries[i] = IndexEntry{
			ContentKey:  c.ContentKey,
			DocumentURL: c.DocumentURL,
			Ordinal:     c.Ordinal,
			Text:        c.Text,
			Metadata:    doc.Metadata,
			CrawlID:     doc.CrawlIDValue(),
		}
		if vectors != nil {
			entries[i].Vector = vectors[i]
		}
	}
	return entries
}
