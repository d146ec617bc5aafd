package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aj-archipelago/cortex/internal/codec"
)

func newTestChunker() (*Chunker, codec.Codec) {
	c := codec.NewEstimator()
	return New(c), c
}

func TestSplitInvariants(t *testing.T) {
	ch, cd := newTestChunker()

	texts := []string{
		"one short line",
		strings.Repeat("The quick brown fox jumps over the lazy dog. ", 50),
		"para one\n\npara two\n\npara three " + strings.Repeat("x ", 200),
		"first, second; third: fourth " + strings.Repeat("word ", 150),
		strings.Repeat("nowhitespaceatall", 40),
	}

	for _, text := range texts {
		for _, max := range []int{5, 20, 100} {
			chunks, err := ch.Split(text, max, FormatText)
			require.NoError(t, err)
			require.NotEmpty(t, chunks)

			assert.Equal(t, text, strings.Join(chunks, ""), "join must reproduce input")
			for _, c := range chunks {
				if len([]rune(c)) > 1 {
					assert.LessOrEqual(t, cd.Count(c), max)
				}
			}
		}
	}
}

func TestSplitEmptyAndErrors(t *testing.T) {
	ch, _ := newTestChunker()

	chunks, err := ch.Split("", 100, FormatText)
	require.NoError(t, err)
	assert.Equal(t, []string{""}, chunks)

	_, err = ch.Split("text", 0, FormatText)
	assert.ErrorIs(t, err, ErrInvalidMaxTokens)
	_, err = ch.Split("text", -1, FormatText)
	assert.ErrorIs(t, err, ErrInvalidMaxTokens)
}

func TestSplitPrefersParagraphBreaks(t *testing.T) {
	ch, _ := newTestChunker()

	text := "first paragraph here\n\nsecond paragraph here\n\nthird paragraph here"
	chunks, err := ch.Split(text, 8, FormatText)
	require.NoError(t, err)
	assert.Equal(t, text, strings.Join(chunks, ""))
	// Chunks end after a doubled newline, or at a word boundary when the
	// window holds no paragraph break.
	for _, c := range chunks[:len(chunks)-1] {
		assert.True(t, strings.HasSuffix(c, "\n") || strings.HasSuffix(c, " "),
			"chunk should end at a paragraph or word boundary: %q", c)
	}
}

func TestTruncate(t *testing.T) {
	ch, cd := newTestChunker()

	text := strings.Repeat("alpha beta gamma delta ", 30)
	back := ch.TruncateBack(text, 10)
	assert.LessOrEqual(t, cd.Count(back), 10)
	assert.True(t, strings.HasPrefix(text, back))

	front := ch.TruncateFront(text, 10)
	assert.LessOrEqual(t, cd.Count(front), 10)
	assert.True(t, strings.HasSuffix(text, front))

	// Text that already fits comes back unchanged.
	assert.Equal(t, "tiny", ch.TruncateBack("tiny", 10))
	assert.Equal(t, "tiny", ch.TruncateFront("tiny", 10))
}

func TestSingleTokenChunks(t *testing.T) {
	ch, _ := newTestChunker()

	for _, text := range []string{
		"Hello streaming world",
		"line one\nline two",
		"",
	} {
		chunks, err := ch.SingleTokenChunks(text)
		require.NoError(t, err)
		assert.Equal(t, text, strings.Join(chunks, ""))
	}
}

func TestSemanticTruncate(t *testing.T) {
	assert.Equal(t, "short", SemanticTruncate("short", 10))
	assert.Equal(t, "short", SemanticTruncate("short", 5))

	out := SemanticTruncate("the quick brown fox jumps", 15)
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.LessOrEqual(t, len([]rune(out)), 15)
	assert.Equal(t, "the quick...", out)
}

func TestSplitHTML(t *testing.T) {
	ch, cd := newTestChunker()

	doc := "<html><body><p>first paragraph of text</p><p>second paragraph of text</p><p>third paragraph of text</p></body></html>"
	chunks, err := ch.Split(doc, 12, FormatHTML)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, cd.Count(c), 12)
	}
	joined := strings.Join(chunks, "")
	assert.Contains(t, joined, "first paragraph of text")
	assert.Contains(t, joined, "third paragraph of text")
}

func TestSplitHTMLElementTooLarge(t *testing.T) {
	ch, _ := newTestChunker()

	doc := "<div>" + strings.Repeat("word ", 100) + "</div>"
	_, err := ch.Split(doc, 10, FormatHTML)
	assert.ErrorIs(t, err, ErrElementTooLarge)
}

func TestSplitHTMLOversizedTextNode(t *testing.T) {
	ch, cd := newTestChunker()

	doc := "<p>small</p>" + strings.Repeat("loose text outside any element ", 40)
	chunks, err := ch.Split(doc, 15, FormatHTML)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.LessOrEqual(t, cd.Count(c), 15)
	}
}
