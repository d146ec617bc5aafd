package codec

import (
	"fmt"
	"sync"
	"unicode"
)

// estimatorMaxPiece caps word pieces at four runes, mirroring the common
// four-characters-per-token average for English text.
const estimatorMaxPiece = 4

// Estimator is a Codec that segments text into word pieces instead of real
// BPE tokens. It keeps the same contract as Tiktoken — decode(encode(text))
// reproduces text — which makes it usable by the chunker and the streaming
// layer when the BPE tables cannot be loaded.
type Estimator struct {
	mu     sync.Mutex
	ids    map[string]int
	pieces []string
}

// NewEstimator builds an empty estimator codec.
func NewEstimator() *Estimator {
	return &Estimator{ids: make(map[string]int)}
}

// Encode segments text into pieces and returns their dictionary ids.
func (e *Estimator) Encode(text string) ([]int, error) {
	pieces := segment(text)
	ids := make([]int, len(pieces))
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range pieces {
		id, ok := e.ids[p]
		if !ok {
			id = len(e.pieces)
			e.ids[p] = id
			e.pieces = append(e.pieces, p)
		}
		ids[i] = id
	}
	return ids, nil
}

// Decode rebuilds text from dictionary ids.
func (e *Estimator) Decode(ids []int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]byte, 0, len(ids)*estimatorMaxPiece)
	for _, id := range ids {
		if id < 0 || id >= len(e.pieces) {
			return "", fmt.Errorf("unknown token id %d", id)
		}
		out = append(out, e.pieces[id]...)
	}
	return string(out), nil
}

// Count returns the piece count of text.
func (e *Estimator) Count(text string) int {
	return len(segment(text))
}

// segment splits text into whitespace runs and non-whitespace runs capped at
// estimatorMaxPiece runes. The concatenation of the pieces is the input.
func segment(text string) []string {
	var pieces []string
	runes := []rune(text)
	for i := 0; i < len(runes); {
		start := i
		if unicode.IsSpace(runes[i]) {
			for i < len(runes) && unicode.IsSpace(runes[i]) {
				i++
			}
		} else {
			for i < len(runes) && !unicode.IsSpace(runes[i]) && i-start < estimatorMaxPiece {
				i++
			}
		}
		pieces = append(pieces, string(runes[start:i]))
	}
	return pieces
}
