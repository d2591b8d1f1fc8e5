package retrieval

import (
	"sort"
	"strings"
)

// rerank reorders candidate chunks by combining the store's similarity score
// with query term overlap, half weight each. Similarity alone ranks poorly
// when chunks share vocabulary; term overlap alone ignores semantics.
func rerank(query string, chunks []Chunk) []Chunk {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 || len(chunks) < 2 {
		return chunks
	}

	type scored struct {
		chunk    Chunk
		combined float32
	}
	scoredChunks := make([]scored, len(chunks))
	for i, c := range chunks {
		overlap := termOverlap(queryTerms, tokenize(c.Text))
		scoredChunks[i] = scored{
			chunk:    c,
			combined: 0.5*c.RelevanceScore + 0.5*overlap,
		}
	}

	sort.SliceStable(scoredChunks, func(i, j int) bool {
		return scoredChunks[i].combined > scoredChunks[j].combined
	})

	out := make([]Chunk, len(chunks))
	for i, s := range scoredChunks {
		out[i] = s.chunk
		out[i].RelevanceScore = s.combined
	}
	return out
}

// tokenize splits text into lowercase terms, dropping punctuation-only runs.
func tokenize(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(f) > 1 {
			terms[f] = struct{}{}
		}
	}
	return terms
}

// termOverlap returns the fraction of query terms present in the document.
func termOverlap(queryTerms, docTerms map[string]struct{}) float32 {
	if len(queryTerms) == 0 {
		return 0
	}
	hits := 0
	for term := range queryTerms {
		if _, ok := docTerms[term]; ok {
			hits++
		}
	}
	return float32(hits) / float32(len(queryTerms))
}
