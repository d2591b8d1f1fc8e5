// Package retrieval executes scoped similarity queries against the source
// document store. Results are strictly confined to the requesting section and
// its declared prerequisites: cross-section leakage would contaminate a
// section's narrative scope and is treated as a correctness bug.
package retrieval

import (
	"context"
	"errors"
)

// Sentinel errors.
var (
	// ErrUnavailable is returned when the backing store is unreachable.
	// Callers degrade by proceeding without retrieved context.
	ErrUnavailable = errors.New("retrieval store unavailable")

	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid retrieval configuration")
)

// Document is one source-material chunk tagged with its section.
type Document struct {
	ID        string
	SectionID string
	SourceID  string
	Text      string
}

// Chunk is one ranked retrieval result.
type Chunk struct {
	Text           string  `json:"text"`
	SourceID       string  `json:"source_id"`
	SectionID      string  `json:"section_id"`
	RelevanceScore float32 `json:"relevance_score"`
}

// Store is the vector store behind the gateway. Implementations return
// unscoped similarity candidates; section scoping is enforced by the Gateway.
type Store interface {
	// Add indexes documents.
	Add(ctx context.Context, docs []Document) error

	// Query returns up to k candidates ordered by similarity (highest
	// first). Fewer than k results is not an error.
	Query(ctx context.Context, query string, k int) ([]Chunk, error)

	// Count returns the number of indexed documents.
	Count(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}
