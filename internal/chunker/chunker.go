// Package chunker splits oversized input into token-bounded chunks for the
// execution engine. Splitting is semantic: chunk boundaries prefer paragraph
// breaks, then sentence terminators, then phrase delimiters, then any
// whitespace, across the scripts the gateway serves.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/aj-archipelago/cortex/internal/codec"
)

// Format selects the splitting algorithm.
type Format string

const (
	FormatText Format = "text"
	FormatHTML Format = "html"
)

var (
	// ErrInvalidMaxTokens is returned when the chunk budget is not positive.
	ErrInvalidMaxTokens = errors.New("maxTokens must be positive")
	// ErrElementTooLarge is returned when a single HTML element exceeds the
	// chunk budget. Elements are never split.
	ErrElementTooLarge = errors.New("html element exceeds chunk size")
)

// ratioSampleRunes bounds the prefix used to estimate chars per token.
const ratioSampleRunes = 2048

// sentence terminators across Latin, CJK, Arabic/Urdu, Devanagari, Thai,
// Armenian and Ethiopic scripts.
const sentenceTerminators = ".!?…。！？｡؟۔।॥։፧፨።"

// phrase delimiters for the same script families.
const phraseDelimiters = ",;:—–-、，；：،؛٬׀፣፤፥"

// Chunker performs token-aware splitting and truncation.
type Chunker struct {
	codec codec.Codec
}

// New builds a Chunker over the given codec.
func New(c codec.Codec) *Chunker {
	return &Chunker{codec: c}
}

// Split divides text into ordered chunks of at most maxTokens tokens each.
// The concatenation of the chunks is the input; empty input yields a single
// empty chunk.
func (c *Chunker) Split(text string, maxTokens int, format Format) ([]string, error) {
	if maxTokens <= 0 {
		return nil, ErrInvalidMaxTokens
	}
	if format == FormatHTML {
		return c.splitHTML(text, maxTokens)
	}
	return c.splitText(text, maxTokens), nil
}

func (c *Chunker) splitText(text string, maxTokens int) []string {
	if text == "" {
		return []string{""}
	}

	ratio := c.charsPerToken(text)
	var chunks []string
	remaining := []rune(text)

	for len(remaining) > 0 {
		window := int(float64(maxTokens) * ratio)
		if window < 1 {
			window = 1
		}

		var cut int
		for {
			if window >= len(remaining) {
				cut = len(remaining)
			} else {
				cut = breakIndex(remaining[:window])
				if cut < 1 {
					cut = window
				}
			}

			n := c.codec.Count(string(remaining[:cut]))
			if n <= maxTokens || cut == 1 {
				break
			}
			// Shrink proportionally and retry; a single rune is the floor.
			next := window * maxTokens / n
			if next >= window {
				next = window - 1
			}
			if next < 1 {
				next = 1
			}
			window = next
		}

		chunks = append(chunks, string(remaining[:cut]))
		remaining = remaining[cut:]
	}

	return chunks
}

// breakIndex finds the best split point within the window, returning the
// number of runes to keep. -1 means no acceptable break was found.
func breakIndex(window []rune) int {
	// Paragraph delimiters first: a doubled newline, then a bare newline.
	s := string(window)
	if i := strings.LastIndex(s, "\n\n"); i >= 0 {
		return len([]rune(s[:i])) + 2
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return len([]rune(s[:i])) + 1
	}

	sentence, phrase, space := -1, -1, -1
	for i, r := range window {
		if i == len(window)-1 {
			break
		}
		switch {
		case strings.ContainsRune(sentenceTerminators, r):
			sentence = i + 1
		case strings.ContainsRune(phraseDelimiters, r):
			phrase = i + 1
		case unicode.IsSpace(r):
			space = i + 1
		}
	}
	if sentence > 0 {
		return sentence
	}
	if phrase > 0 {
		return phrase
	}
	return space
}

// charsPerToken samples a prefix of text to estimate the character window
// corresponding to a token budget.
func (c *Chunker) charsPerToken(text string) float64 {
	runes := []rune(text)
	if len(runes) > ratioSampleRunes {
		runes = runes[:ratioSampleRunes]
	}
	n := c.codec.Count(string(runes))
	if n < 1 {
		n = 1
	}
	ratio := float64(len(runes)) / float64(n)
	if ratio < 1 {
		ratio = 1
	}
	return ratio
}

// TruncateBack returns a prefix of text whose token count is at most
// maxTokens, cut at a whitespace boundary when possible.
func (c *Chunker) TruncateBack(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if c.codec.Count(text) <= maxTokens {
		return text
	}

	runes := []rune(text)
	n := c.fitWindow(runes, maxTokens, false)
	candidate := runes[:n]

	// Drop the trailing partial word.
	for i := len(candidate) - 1; i > 0; i-- {
		if unicode.IsSpace(candidate[i]) {
			return string(candidate[:i+1])
		}
	}
	return string(candidate)
}

// TruncateFront returns a suffix of text whose token count is at most
// maxTokens, cut at a whitespace boundary when possible.
func (c *Chunker) TruncateFront(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if c.codec.Count(text) <= maxTokens {
		return text
	}

	runes := []rune(text)
	n := c.fitWindow(runes, maxTokens, true)
	candidate := runes[len(runes)-n:]

	// Drop the leading partial word.
	for i := 0; i < len(candidate)-1; i++ {
		if unicode.IsSpace(candidate[i]) {
			return string(candidate[i+1:])
		}
	}
	return string(candidate)
}

// fitWindow returns a rune count n such that the prefix (or suffix when
// fromEnd) of that length fits within maxTokens. It starts from the
// chars-per-token estimate and only shrinks, so n is not necessarily the
// largest count that fits; 1 is the floor.
func (c *Chunker) fitWindow(runes []rune, maxTokens int, fromEnd bool) int {
	ratio := c.charsPerToken(string(runes))
	n := int(float64(maxTokens) * ratio)
	if n > len(runes) {
		n = len(runes)
	}
	if n < 1 {
		n = 1
	}
	for n > 1 {
		var s string
		if fromEnd {
			s = string(runes[len(runes)-n:])
		} else {
			s = string(runes[:n])
		}
		count := c.codec.Count(s)
		if count <= maxTokens {
			break
		}
		next := n * maxTokens / count
		if next >= n {
			next = n - 1
		}
		if next < 1 {
			next = 1
		}
		n = next
	}
	return n
}

// SingleTokenChunks rebuilds text one token at a time. Joining the returned
// chunks reproduces the input exactly; the streaming layer uses this to emit
// token-granularity deltas.
func (c *Chunker) SingleTokenChunks(text string) ([]string, error) {
	if text == "" {
		return nil, nil
	}
	ids, err := c.codec.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("encode for token stream: %w", err)
	}
	chunks := make([]string, 0, len(ids))
	prev := ""
	for i := range ids {
		cur, err := c.codec.Decode(ids[:i+1])
		if err != nil {
			return nil, fmt.Errorf("decode token prefix: %w", err)
		}
		chunks = append(chunks, cur[len(prev):])
		prev = cur
	}
	return chunks, nil
}

// SemanticTruncate shortens text to at most maxChars characters, ending at
// the last word boundary and appending an ellipsis when truncation occurs.
func SemanticTruncate(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	const ellipsis = "..."
	keep := maxChars - len(ellipsis)
	if keep < 0 {
		keep = 0
	}
	cut := keep
	for i := keep; i > 0; i-- {
		if unicode.IsSpace(runes[i-1]) {
			cut = i - 1
			break
		}
	}
	return strings.TrimRight(string(runes[:cut]), " \t\n") + ellipsis
}
