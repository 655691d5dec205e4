package retrieval_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/src/core/retrieval"
)

var docKey = retrieval.SourceKey{SourceID: "handbook", SourceType: retrieval.SourceDocument}

func indexDoc(t *testing.T, f *fixture, text string) retrieval.IndexResult {
	t.Helper()
	res, err := f.indexer.Index(context.Background(), retrieval.IndexRequest{
		SourceID:   docKey.SourceID,
		SourceType: docKey.SourceType,
		Text:       text,
		Metadata:   retrieval.Metadata{"title": "Handbook"},
	})
	require.NoError(t, err)
	return res
}

func TestIndexAndSearchThreeParagraphDocument(t *testing.T) {
	f, err := newFixture(nil)
	require.NoError(t, err)

	res := indexDoc(t, f, threeParagraphs)
	require.Equal(t, 3, res.ChunksWritten)

	chunks := f.chunks.Chunks(docKey)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Len(t, c.Embedding, testDim)
		assert.Equal(t, "Handbook", c.Metadata["title"])
	}

	results, err := f.engine.Search(context.Background(), "religious warfare across central Europe", retrieval.SearchOptions{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, 1, results[0].ChunkIndex)
	assert.Contains(t, []retrieval.Origin{retrieval.OriginKeyword, retrieval.OriginBoth}, results[0].Origin)
}

func TestIndexKeepsShortMiddleParagraphAsOwnChunk(t *testing.T) {
	f, err := newFixture(nil)
	require.NoError(t, err)

	res := indexDoc(t, f, shortMiddleParagraph)
	require.Equal(t, 3, res.ChunksWritten)

	chunks := f.chunks.Chunks(docKey)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Go is fast.", chunks[1].Content)
	assert.Equal(t, 1, chunks[1].ChunkIndex)
}

func TestReindexReplacesPreviousChunks(t *testing.T) {
	f, err := newFixture(nil)
	require.NoError(t, err)

	indexDoc(t, f, threeParagraphs)
	old := f.chunks.Chunks(docKey)

	res := indexDoc(t, f, "Release notes for version two describe the new billing dashboard.\n\nThe migration guide explains how to move invoices between accounts.")
	require.Equal(t, 2, res.ChunksWritten)

	chunks := f.chunks.Chunks(docKey)
	require.Len(t, chunks, 2)
	assert.Equal(t, 2, f.chunks.Len())
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		for _, o := range old {
			assert.NotEqual(t, o.ID, c.ID)
			assert.NotEqual(t, o.Content, c.Content)
		}
	}
}

func TestIndexShortSourceIsEmptySuccess(t *testing.T) {
	f, err := newFixture(nil)
	require.NoError(t, err)
	indexDoc(t, f, threeParagraphs)

	res, err := f.indexer.Index(context.Background(), retrieval.IndexRequest{
		SourceID:   docKey.SourceID,
		SourceType: docKey.SourceType,
		Text:       "hi",
	})

	require.NoError(t, err)
	assert.Equal(t, 0, res.ChunksWritten)
	assert.Len(t, f.chunks.Chunks(docKey), 3)
	assert.Equal(t, 1, f.embedder.callCount(), "no embedding call for an empty source")
}

func TestIndexEmbeddingFailureWritesNothing(t *testing.T) {
	f, err := newFixture(nil)
	require.NoError(t, err)
	indexDoc(t, f, threeParagraphs)
	before := f.chunks.Chunks(docKey)

	f.embedder.setErr(errProvider)
	_, err = f.indexer.Index(context.Background(), retrieval.IndexRequest{
		SourceID:   docKey.SourceID,
		SourceType: docKey.SourceType,
		Text:       "A replacement paragraph that should never reach the store at all.",
	})

	assert.ErrorIs(t, err, retrieval.ErrProviderUnavailable)
	assert.Equal(t, before, f.chunks.Chunks(docKey))
}

type failingChunkStore struct{ stubStore }

func (*failingChunkStore) ReplaceChunks(context.Context, retrieval.SourceKey, []retrieval.Chunk) error {
	return retrieval.StoreError("replace chunks", errors.New("connection reset"))
}

func TestIndexPropagatesStoreErrors(t *testing.T) {
	ix, err := retrieval.NewIndexer(retrieval.NewChunker(retrieval.DefaultChunkPolicy()), newClient(newFakeEmbedder()), &failingChunkStore{})
	require.NoError(t, err)

	_, err = ix.Index(context.Background(), retrieval.IndexRequest{
		SourceID:   "a",
		SourceType: retrieval.SourceDocument,
		Text:       threeParagraphs,
	})

	assert.ErrorIs(t, err, retrieval.ErrStore)
}

func TestIndexValidatesRequest(t *testing.T) {
	f, err := newFixture(nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		req  retrieval.IndexRequest
	}{
		{name: "missing id", req: retrieval.IndexRequest{SourceType: retrieval.SourceDocument, Text: threeParagraphs}},
		{name: "unknown type", req: retrieval.IndexRequest{SourceID: "x", SourceType: "email", Text: threeParagraphs}},
		{name: "oversized metadata", req: retrieval.IndexRequest{
			SourceID: "x", SourceType: retrieval.SourceDocument, Text: threeParagraphs,
			Metadata: retrieval.Metadata{"title": strings.Repeat("t", 2000)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.indexer.Index(context.Background(), tt.req)
			assert.ErrorIs(t, err, retrieval.ErrInvalidRequest)
		})
	}
	assert.Equal(t, 0, f.chunks.Len())
}

func TestIndexConversationTurns(t *testing.T) {
	f, err := newFixture(nil)
	require.NoError(t, err)
	key := retrieval.SourceKey{SourceID: "conv-9", SourceType: retrieval.SourceConversation}

	res, err := f.indexer.Index(context.Background(), retrieval.IndexRequest{
		SourceID:   key.SourceID,
		SourceType: key.SourceType,
		Turns: []retrieval.Turn{
			{Role: "user", Content: "Can you summarise the incident from last night for the team?"},
			{Role: "assistant", Content: "The cache cluster ran out of memory and evicted session keys."},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunksWritten)
	chunks := f.chunks.Chunks(key)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[1].Content, "assistant: "))
}

func TestDeleteSource(t *testing.T) {
	f, err := newFixture(nil)
	require.NoError(t, err)
	indexDoc(t, f, threeParagraphs)

	require.NoError(t, f.indexer.Delete(context.Background(), docKey))

	assert.Empty(t, f.chunks.Chunks(docKey))
	assert.ErrorIs(t, f.indexer.Delete(context.Background(), retrieval.SourceKey{SourceType: retrieval.SourceDocument}), retrieval.ErrInvalidRequest)
}

func TestConcurrentReindexKeepsOneGeneration(t *testing.T) {
	f, err := newFixture(nil)
	require.NoError(t, err)

	texts := []string{
		threeParagraphs,
		"Release notes for version two describe the new billing dashboard.\n\nThe migration guide explains how to move invoices between accounts.",
		"A single paragraph long enough to become exactly one chunk of the source.",
	}
	errs := make(chan error, 30)
	for i := 0; i < 30; i++ {
		text := texts[i%len(texts)]
		go func() {
			_, err := f.indexer.Index(context.Background(), retrieval.IndexRequest{
				SourceID: docKey.SourceID, SourceType: docKey.SourceType, Text: text,
			})
			errs <- err
		}()
	}
	for i := 0; i < 30; i++ {
		require.NoError(t, <-errs)
	}

	chunks := f.chunks.Chunks(docKey)
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, chunks[0].CreatedAt, c.CreatedAt)
	}
}
