package retrieval

import (
	"context"
	"fmt"
	"os"

	chromem "github.com/philippgille/chromem-go"

	"github.com/maslennikov-ig/coursegen/internal/embeddings"
)

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty means in-memory.
	Path string

	// Collection is the collection name, typically one per course.
	Collection string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "coursegen_default"
	}
}

// ChromemStore implements Store using chromem-go, an embeddable pure-Go
// vector database. No external service is needed; persistence is gob files
// under the configured path.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewChromemStore creates a chromem-backed store. The embedder supplies
// vectors for both documents and queries.
func NewChromemStore(cfg ChromemConfig, embedder embeddings.Embedder) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	cfg.ApplyDefaults()

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("creating collection %q: %w", cfg.Collection, err)
	}

	return &ChromemStore{db: db, collection: collection}, nil
}

// Add indexes documents with their section tags in metadata.
func (s *ChromemStore) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	chromemDocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		chromemDocs[i] = chromem.Document{
			ID:      d.ID,
			Content: d.Text,
			Metadata: map[string]string{
				"section_id": d.SectionID,
				"source_id":  d.SourceID,
			},
		}
	}
	if err := s.collection.AddDocuments(ctx, chromemDocs, 4); err != nil {
		return fmt.Errorf("%w: adding documents: %v", ErrUnavailable, err)
	}
	return nil
}

// Query returns up to k similarity candidates. chromem rejects result counts
// above the collection size, so k is clamped to the current count.
func (s *ChromemStore) Query(ctx context.Context, query string, k int) ([]Chunk, error) {
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: querying collection: %v", ErrUnavailable, err)
	}

	chunks := make([]Chunk, len(results))
	for i, r := range results {
		chunks[i] = Chunk{
			Text:           r.Content,
			SourceID:       r.Metadata["source_id"],
			SectionID:      r.Metadata["section_id"],
			RelevanceScore: r.Similarity,
		}
	}
	return chunks, nil
}

// Count returns the number of indexed documents.
func (s *ChromemStore) Count(_ context.Context) (int, error) {
	return s.collection.Count(), nil
}

// Close is a no-op for the embedded store; persistence happens on write.
func (s *ChromemStore) Close() error {
	return nil
}

var _ Store = (*ChromemStore)(nil)
