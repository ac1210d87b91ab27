// Package chunker splits document text into overlapping, token-bounded
// passages. Output is a pure function of its input so content keys stay
// stable across re-indexing.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/timmy/webindex/internal/apperr"
	"github.com/timmy/webindex/internal/domain"
)

const (
	DefaultMaxTokens     = 500
	DefaultOverlapTokens = 50
)

// ErrInvalidInput is returned when the text is empty after normalization.
var ErrInvalidInput = errors.New("text is empty after normalization")

// Options bounds chunk size. Tokens are whitespace-separated words.
type Options struct {
	MaxTokens     int
	OverlapTokens int
}

// DefaultOptions returns 500-token chunks with a 50-token overlap.
func DefaultOptions() Options {
	return Options{MaxTokens: DefaultMaxTokens, OverlapTokens: DefaultOverlapTokens}
}

func (o Options) normalized() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.OverlapTokens < 0 {
		o.OverlapTokens = 0
	}
	if o.OverlapTokens >= o.MaxTokens {
		o.OverlapTokens = o.MaxTokens / 10
	}
	return o
}

// Chunk normalizes text and splits it into chunks for documentURL.
// Paragraph boundaries are preferred, then sentence boundaries, then hard
// cuts at MaxTokens. Each chunk after the first begins with up to
// OverlapTokens trailing tokens of its predecessor.
// Parameters:
//   - documentURL: owning document, part of every content key.
//   - text: raw document text.
//   - opts: size bounds; zero values use the defaults.
// Returns:
//   - []domain.Chunk: chunks in ordinal order.
//   - error: PermanentInput wrapping ErrInvalidInput for empty text.
func Chunk(documentURL, text string, opts Options) ([]domain.Chunk, error) {
	opts = opts.normalized()

	normalized := Normalize(text)
	if normalized == "" {
		return nil, apperr.Permanent("chunker.Chunk", ErrInvalidInput)
	}

	var units [][]string
	for _, para := range strings.Split(normalized, paragraphBreak) {
		units = append(units, splitParagraph(strings.Fields(para), opts)...)
	}

	packed := pack(units, opts.MaxTokens, opts.OverlapTokens)
	chunks := make([]domain.Chunk, len(packed))
	for i, tokens := range packed {
		body := strings.Join(tokens, " ")
		chunks[i] = domain.Chunk{
			DocumentURL: documentURL,
			Ordinal:     i,
			Text:        body,
			TokenCount:  len(tokens),
			ContentKey:  ContentKey(documentURL, i, body),
		}
	}
	return chunks, nil
}

// ContentKey is the hex SHA-256 of url, ordinal and normalized chunk text,
// NUL separated.
func ContentKey(documentURL string, ordinal int, normalizedText string) string {
	h := sha256.New()
	h.Write([]byte(documentURL))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(ordinal)))
	h.Write([]byte{0})
	h.Write([]byte(normalizedText))
	return hex.EncodeToString(h.Sum(nil))
}

// splitParagraph keeps a paragraph whole when it fits, otherwise breaks it
// at sentence ends. Sentences that are still too long are hard-cut into
// windows that leave room for the overlap.
func splitParagraph(words []string, opts Options) [][]string {
	if len(words) == 0 {
		return nil
	}
	if len(words) <= opts.MaxTokens {
		return [][]string{words}
	}

	var units [][]string
	start := 0
	for i, w := range words {
		if i < len(words)-1 && !endsSentence(w) {
			continue
		}
		sentence := words[start : i+1]
		if len(sentence) <= opts.MaxTokens {
			units = append(units, sentence)
		} else {
			units = append(units, hardCut(sentence, opts.MaxTokens-opts.OverlapTokens)...)
		}
		start = i + 1
	}
	return units
}

func hardCut(words []string, size int) [][]string {
	var out [][]string
	for len(words) > size {
		out = append(out, words[:size])
		words = words[size:]
	}
	if len(words) > 0 {
		out = append(out, words)
	}
	return out
}

func endsSentence(word string) bool {
	w := strings.TrimRight(word, `"')]}»”’`)
	if w == "" {
		return false
	}
	switch w[len(w)-1] {
	case '.', '!', '?':
		return true
	}
	return strings.HasSuffix(w, "。") || strings.HasSuffix(w, "！") || strings.HasSuffix(w, "？")
}

// pack greedily fills chunks with whole units. Every unit is at most
// maxTokens long, so trimming the carried overlap always makes room.
func pack(units [][]string, maxTokens, overlap int) [][]string {
	var (
		out [][]string
		cur []string
	)
	for _, u := range units {
		if len(cur) > 0 && len(cur)+len(u) > maxTokens {
			out = append(out, cur)
			cur = tail(cur, overlap, maxTokens-len(u))
		}
		cur = append(cur, u...)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// tail copies the last min(overlap, room) tokens of prev.
func tail(prev []string, overlap, room int) []string {
	n := overlap
	if room < n {
		n = room
	}
	if n > len(prev) {
		n = len(prev)
	}
	if n <= 0 {
		return nil
	}
	return append([]string(nil), prev[len(prev)-n:]...)
}
