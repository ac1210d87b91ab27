package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
)

// ContentTypeHTML marks a page whose RawText is markup rather than plain text.
const ContentTypeHTML = "text/html"

// DocumentMetadata is the page metadata carried into every index entry.
type DocumentMetadata struct {
	Title       string `json:"title,omitempty"`
	Language    string `json:"language,omitempty"`
	Domain      string `json:"domain,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// IsHTML reports whether the raw text needs markup extraction.
func (m DocumentMetadata) IsHTML() bool {
	return strings.HasPrefix(strings.ToLower(m.ContentType), ContentTypeHTML)
}

// Document is one crawled page as delivered by the crawler.
type Document struct {
	URL      string           `json:"url"`
	RawText  string           `json:"raw_text"`
	Metadata DocumentMetadata `json:"metadata"`
	CrawlID  *string          `json:"crawl_id,omitempty"`
}

// CrawlIDValue returns the crawl id or "" for ad-hoc pages.
func (d Document) CrawlIDValue() string {
	if d.CrawlID == nil {
		return ""
	}
	return *d.CrawlID
}

// Value implements driver.Valuer so a Document can be kept on the job row.
// Parameters: none.
// Returns:
//   - driver.Value: JSON text of the document.
//   - error: non-nil if marshaling fails.
func (d Document) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
// Parameters:
//   - value: raw column value.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (d *Document) Scan(value interface{}) error {
	if value == nil {
		*d = Document{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan Document")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, d)
}
