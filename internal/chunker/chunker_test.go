package chunker

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/webindex/internal/apperr"
)

const testURL = "https://example.com/a"

func words(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

func TestChunkRejectsEmptyText(t *testing.T) {
	for _, text := range []string{"", "   \n\t ", "\x00\x01\u200b"} {
		_, err := Chunk(testURL, text, DefaultOptions())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidInput))
		assert.Equal(t, apperr.KindPermanentInput, apperr.KindOf(err))
		assert.False(t, apperr.Retryable(err))
	}
}

func TestChunkShortText(t *testing.T) {
	chunks, err := Chunk(testURL, "  Hello   world.\n", DefaultOptions())
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	c := chunks[0]
	assert.Equal(t, testURL, c.DocumentURL)
	assert.Equal(t, 0, c.Ordinal)
	assert.Equal(t, "Hello world.", c.Text)
	assert.Equal(t, 2, c.TokenCount)
	assert.Equal(t, ContentKey(testURL, 0, "Hello world."), c.ContentKey)
}

func TestChunkDeterministic(t *testing.T) {
	text := strings.Join(words("w", 1300), " ")
	a, err := Chunk(testURL, text, DefaultOptions())
	require.NoError(t, err)
	b, err := Chunk(testURL, text, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestChunkHardCutKeepsOverlap(t *testing.T) {
	text := strings.Join(words("w", 1200), " ")
	chunks, err := Chunk(testURL, text, Options{MaxTokens: 500, OverlapTokens: 50})
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, 450, chunks[0].TokenCount)
	assert.Equal(t, 500, chunks[1].TokenCount)
	assert.Equal(t, 350, chunks[2].TokenCount)

	for i := 1; i < len(chunks); i++ {
		prev := strings.Fields(chunks[i-1].Text)
		cur := strings.Fields(chunks[i].Text)
		assert.Equal(t, prev[len(prev)-50:], cur[:50], "chunk %d overlap", i)
		assert.LessOrEqual(t, chunks[i].TokenCount, 500)
		assert.Equal(t, i, chunks[i].Ordinal)
	}
}

func TestChunkPrefersParagraphBoundaries(t *testing.T) {
	paras := []string{
		strings.Join(words("a", 200), " "),
		strings.Join(words("b", 200), " "),
		strings.Join(words("c", 200), " "),
	}
	chunks, err := Chunk(testURL, strings.Join(paras, "\n\n"), Options{MaxTokens: 500, OverlapTokens: 50})
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, 400, chunks[0].TokenCount)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "b199"))
	assert.Equal(t, 250, chunks[1].TokenCount)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "b150 "))
}

func TestChunkPrefersSentenceBoundaries(t *testing.T) {
	var sentences []string
	for i := 0; i < 6; i++ {
		sentences = append(sentences, strings.Join(words(fmt.Sprintf("s%d_", i), 100), " ")+".")
	}
	chunks, err := Chunk(testURL, strings.Join(sentences, " "), Options{MaxTokens: 500, OverlapTokens: 50})
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, 500, chunks[0].TokenCount)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "s4_99."))
	assert.Equal(t, 150, chunks[1].TokenCount)
}

func TestContentKeyDependsOnAllParts(t *testing.T) {
	base := ContentKey(testURL, 0, "text")
	assert.Len(t, base, 64)
	assert.Equal(t, base, ContentKey(testURL, 0, "text"))
	assert.NotEqual(t, base, ContentKey(testURL, 1, "text"))
	assert.NotEqual(t, base, ContentKey(testURL+"/b", 0, "text"))
	assert.NotEqual(t, base, ContentKey(testURL, 0, "text2"))
}

func TestOptionsNormalized(t *testing.T) {
	o := Options{MaxTokens: 100, OverlapTokens: 100}.normalized()
	assert.Equal(t, 10, o.OverlapTokens)

	o = Options{}.normalized()
	assert.Equal(t, DefaultMaxTokens, o.MaxTokens)
	assert.Equal(t, 0, o.OverlapTokens)
}
