package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/src/core/retrieval"
)

type mockService struct {
	indexed []retrieval.IndexRequest
	opts    retrieval.SearchOptions
	results []retrieval.SearchResult
	err     error
}

func (m *mockService) Index(_ context.Context, req retrieval.IndexRequest) (retrieval.IndexResult, error) {
	m.indexed = append(m.indexed, req)
	return retrieval.IndexResult{ChunksWritten: 2}, m.err
}

func (m *mockService) Search(_ context.Context, _ string, opts retrieval.SearchOptions) ([]retrieval.SearchResult, error) {
	m.opts = opts
	return m.results, m.err
}

func (m *mockService) ResolveOrCreateTag(_ context.Context, name string) (retrieval.TagResolution, error) {
	return retrieval.TagResolution{Tag: retrieval.Tag{ID: "42", Name: name}, Merged: true}, m.err
}

func TestNewServerRequiresService(t *testing.T) {
	_, err := NewServer(nil)
	assert.ErrorIs(t, err, ErrMissingService)
}

func TestServer_handleSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("returns fused results", func(t *testing.T) {
		svc := &mockService{results: []retrieval.SearchResult{{
			ChunkID: "c1", SourceID: "doc-1", SourceType: retrieval.SourceDocument,
			Content: "tax law", Score: 1.0 / 61, Origin: retrieval.OriginVector,
		}}}
		server, err := NewServer(svc)
		require.NoError(t, err)

		_, output, err := server.handleSearch(ctx, nil, SearchInput{Query: "tax", TopK: 3, SourceTypes: []string{"document"}})
		require.NoError(t, err)
		assert.Equal(t, 1, output.Count)
		assert.Equal(t, "c1", output.Results[0].ChunkID)
		assert.Equal(t, "vector", output.Results[0].Origin)
		assert.Equal(t, 3, svc.opts.TopK)
		assert.Equal(t, []retrieval.SourceType{retrieval.SourceDocument}, svc.opts.SourceTypes)
	})

	t.Run("rejects unknown source type", func(t *testing.T) {
		server, err := NewServer(&mockService{})
		require.NoError(t, err)

		_, _, err = server.handleSearch(ctx, nil, SearchInput{Query: "q", SourceTypes: []string{"email"}})
		assert.ErrorIs(t, err, retrieval.ErrInvalidRequest)
	})

	t.Run("returns error on search failure", func(t *testing.T) {
		server, err := NewServer(&mockService{err: errors.New("search failed")})
		require.NoError(t, err)

		_, _, err = server.handleSearch(ctx, nil, SearchInput{Query: "q"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "search failed")
	})
}

func TestServer_handleIndexText(t *testing.T) {
	svc := &mockService{}
	server, err := NewServer(svc)
	require.NoError(t, err)

	_, output, err := server.handleIndexText(context.Background(), nil, IndexTextInput{SourceID: "n1", Text: "note body"})
	require.NoError(t, err)
	assert.Equal(t, 2, output.ChunksWritten)
	require.Len(t, svc.indexed, 1)
	assert.Equal(t, retrieval.SourceDocument, svc.indexed[0].SourceType)
}

func TestServer_handleResolveTag(t *testing.T) {
	server, err := NewServer(&mockService{})
	require.NoError(t, err)

	_, output, err := server.handleResolveTag(context.Background(), nil, ResolveTagInput{Name: "golang"})
	require.NoError(t, err)
	assert.Equal(t, ResolveTagOutput{TagID: "42", Name: "golang", Merged: true}, output)
}
