package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maslennikov-ig/coursegen/internal/embeddings"
)

func newTestChromemStore(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(ChromemConfig{}, embeddings.NewHashEmbedder(64))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestChromemStore_AddAndQuery(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()

	err := store.Add(ctx, []Document{
		{ID: "d1", SectionID: "s1", SourceID: "ch1", Text: "recursion base case and stack frames"},
		{ID: "d2", SectionID: "s2", SourceID: "ch2", Text: "sorting algorithms quicksort mergesort"},
	})
	require.NoError(t, err)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	chunks, err := store.Query(ctx, "recursion base case", 5)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, "s1", chunks[0].SectionID)
	assert.Equal(t, "ch1", chunks[0].SourceID)
}

func TestChromemStore_EmptyCollection(t *testing.T) {
	store := newTestChromemStore(t)

	chunks, err := store.Query(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChromemStore_RequiresEmbedder(t *testing.T) {
	_, err := NewChromemStore(ChromemConfig{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
