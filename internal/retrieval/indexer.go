package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// chunkTargetChars keeps chunks small enough that a handful fit inside the
// retrieval token budget.
const chunkTargetChars = 1500

// Indexer loads source material into a store, chunked and tagged by section
// so the gateway can scope queries.
type Indexer struct {
	store Store
}

// NewIndexer creates an indexer over the given store.
func NewIndexer(store Store) (*Indexer, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	return &Indexer{store: store}, nil
}

// IndexDocument chunks one source document and indexes it under the given
// section scope. It returns the number of chunks indexed.
func (ix *Indexer) IndexDocument(ctx context.Context, sectionID, sourceID, text string) (int, error) {
	chunks := ChunkText(text)
	if len(chunks) == 0 {
		return 0, nil
	}
	docs := make([]Document, 0, len(chunks))
	for _, chunk := range chunks {
		docs = append(docs, Document{
			ID:        uuid.NewString(),
			SectionID: sectionID,
			SourceID:  sourceID,
			Text:      chunk,
		})
	}
	if err := ix.store.Add(ctx, docs); err != nil {
		return 0, fmt.Errorf("indexing %s for section %s: %w", sourceID, sectionID, err)
	}
	return len(docs), nil
}

// ChunkText splits text on blank lines, packing paragraphs up to the target
// chunk size. Oversized single paragraphs become their own chunk.
func ChunkText(text string) []string {
	paragraphs := strings.Split(text, "\n\n")
	var chunks []string
	var b strings.Builder
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if b.Len() > 0 && b.Len()+len(p) > chunkTargetChars {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(p)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
