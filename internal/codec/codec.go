// Package codec provides token encoding and decoding for the model family
// the gateway dispatches to. Two implementations exist: a real BPE codec
// backed by tiktoken, and an estimator for deployments where the BPE tables
// are unavailable.
package codec

import (
	"fmt"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE encoding shared with the external model family.
const DefaultEncoding = "cl100k_base"

// encodeCacheSize bounds the memoized encodings used by the chunking loops.
const encodeCacheSize = 1000

// Codec converts between text and token ids.
type Codec interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	// Count returns the token length of text. On encoder failure it falls
	// back to the raw character length so callers can keep making progress.
	Count(text string) int
}

// Tiktoken is a Codec backed by a fixed tiktoken encoding with an LRU cache
// over recent encodings.
type Tiktoken struct {
	enc   *tiktoken.Tiktoken
	cache *lru.Cache[string, []int]
}

// NewTiktoken builds a Tiktoken codec for the named encoding.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	cache, err := lru.New[string, []int](encodeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("init encode cache: %w", err)
	}
	return &Tiktoken{enc: enc, cache: cache}, nil
}

// Encode converts text into token ids.
func (t *Tiktoken) Encode(text string) ([]int, error) {
	if ids, ok := t.cache.Get(text); ok {
		return ids, nil
	}
	ids := t.enc.Encode(text, nil, nil)
	t.cache.Add(text, ids)
	return ids, nil
}

// Decode converts token ids back into text.
func (t *Tiktoken) Decode(ids []int) (string, error) {
	return t.enc.Decode(ids), nil
}

// Count returns the token length of text.
func (t *Tiktoken) Count(text string) int {
	ids, err := t.Encode(text)
	if err != nil {
		return utf8.RuneCountInString(text)
	}
	return len(ids)
}
