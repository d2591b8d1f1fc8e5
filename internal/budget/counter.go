package budget

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens in text content.
type TokenCounter interface {
	// Count returns the token count for the given content.
	Count(content string) int
}

// TiktokenCounter counts tokens with a tiktoken BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding (e.g. "cl100k_base").
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading tiktoken encoding %q: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count returns the BPE token count of the content.
func (c *TiktokenCounter) Count(content string) int {
	return len(c.enc.Encode(content, nil, nil))
}

// HeuristicCounter approximates tokens as len/4, the usual rule of thumb for
// English prose. Used when the BPE encoding cannot be loaded (e.g. offline)
// and in tests where determinism matters more than accuracy.
type HeuristicCounter struct{}

// Count returns the approximate token count of the content.
func (HeuristicCounter) Count(content string) int {
	if content == "" {
		return 0
	}
	n := len(content) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// NewCounter returns a tiktoken-backed counter, falling back to the len/4
// heuristic if the encoding is unavailable.
func NewCounter(encoding string) TokenCounter {
	if c, err := NewTiktokenCounter(encoding); err == nil {
		return c
	}
	return HeuristicCounter{}
}
